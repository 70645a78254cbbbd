package engine

import "time"

// RuleParams holds the tunable thresholds for the correlation rule set.
// Zero values are replaced with defaults by NewCorrelator.
type RuleParams struct {
	StoreWindowSeconds int `yaml:"store_window_seconds"`

	StormWindowSeconds int `yaml:"storm_window_seconds"`
	StormThreshold     int `yaml:"storm_threshold"`

	BruteWindowSeconds int `yaml:"brute_window_seconds"`
	BruteThreshold     int `yaml:"brute_threshold"`

	SprayWindowSeconds       int `yaml:"spray_window_seconds"`
	SprayFailThreshold       int `yaml:"spray_fail_threshold"`
	SprayUniqueUserThreshold int `yaml:"spray_unique_users_threshold"`

	SuccessWindowSeconds      int `yaml:"success_window_seconds"`
	SuccessPriorFailThreshold int `yaml:"success_prior_fail_threshold"`
}

// DefaultRuleParams returns the stock thresholds.
func DefaultRuleParams() RuleParams {
	return RuleParams{
		StoreWindowSeconds:        900,
		StormWindowSeconds:        30,
		StormThreshold:            50,
		BruteWindowSeconds:        60,
		BruteThreshold:            8,
		SprayWindowSeconds:        120,
		SprayFailThreshold:        8,
		SprayUniqueUserThreshold:  5,
		SuccessWindowSeconds:      600,
		SuccessPriorFailThreshold: 6,
	}
}

func (p RuleParams) withDefaults() RuleParams {
	d := DefaultRuleParams()
	if p.StoreWindowSeconds <= 0 {
		p.StoreWindowSeconds = d.StoreWindowSeconds
	}
	if p.StormWindowSeconds <= 0 {
		p.StormWindowSeconds = d.StormWindowSeconds
	}
	if p.StormThreshold <= 0 {
		p.StormThreshold = d.StormThreshold
	}
	if p.BruteWindowSeconds <= 0 {
		p.BruteWindowSeconds = d.BruteWindowSeconds
	}
	if p.BruteThreshold <= 0 {
		p.BruteThreshold = d.BruteThreshold
	}
	if p.SprayWindowSeconds <= 0 {
		p.SprayWindowSeconds = d.SprayWindowSeconds
	}
	if p.SprayFailThreshold <= 0 {
		p.SprayFailThreshold = d.SprayFailThreshold
	}
	if p.SprayUniqueUserThreshold <= 0 {
		p.SprayUniqueUserThreshold = d.SprayUniqueUserThreshold
	}
	if p.SuccessWindowSeconds <= 0 {
		p.SuccessWindowSeconds = d.SuccessWindowSeconds
	}
	if p.SuccessPriorFailThreshold <= 0 {
		p.SuccessPriorFailThreshold = d.SuccessPriorFailThreshold
	}
	return p
}

const (
	categoryAuth       = "auth"
	actionLoginFailed  = "login_failed"
	actionLoginSuccess = "login_success"
)

// Correlator evaluates the stateful rule set over a host's recent history.
// It holds no durable state of its own; all history lives in the store.
type Correlator struct {
	store *RollingEventStore

	stormWindow    time.Duration
	stormThreshold int

	bruteWindow    time.Duration
	bruteThreshold int

	sprayWindow        time.Duration
	sprayFailThreshold int
	sprayUniqueUsers   int

	successWindow     time.Duration
	successPriorFails int
}

// NewCorrelator builds a correlator over its own rolling store.
func NewCorrelator(params RuleParams) *Correlator {
	return NewCorrelatorWithClock(params, time.Now)
}

func NewCorrelatorWithClock(params RuleParams, clock func() time.Time) *Correlator {
	p := params.withDefaults()
	return &Correlator{
		store:              NewRollingEventStoreWithClock(time.Duration(p.StoreWindowSeconds)*time.Second, clock),
		stormWindow:        time.Duration(p.StormWindowSeconds) * time.Second,
		stormThreshold:     p.StormThreshold,
		bruteWindow:        time.Duration(p.BruteWindowSeconds) * time.Second,
		bruteThreshold:     p.BruteThreshold,
		sprayWindow:        time.Duration(p.SprayWindowSeconds) * time.Second,
		sprayFailThreshold: p.SprayFailThreshold,
		sprayUniqueUsers:   p.SprayUniqueUserThreshold,
		successWindow:      time.Duration(p.SuccessWindowSeconds) * time.Second,
		successPriorFails:  p.SuccessPriorFailThreshold,
	}
}

// Store exposes the rolling store for observability surfaces.
func (c *Correlator) Store() *RollingEventStore { return c.store }

// Evaluate adds the record to the rolling store and runs every rule against
// the host's recent history. Rules run in a fixed order and always write
// their diagnostic counters into the context, fired or not.
func (c *Correlator) Evaluate(rec EventRecord) CorrelationDecision {
	c.store.Add(rec)
	recent := c.store.GetRecent(rec.Host)
	now := rec.ReceivedTime

	reasons := []string{}
	ctx := Context{}

	// Rule 1: host event storm (generic flood/noise)
	stormCutoff := now.Add(-c.stormWindow)
	stormCount := 0
	for _, e := range recent {
		if !e.ReceivedTime.Before(stormCutoff) {
			stormCount++
		}
	}
	ctx["storm_count"] = stormCount
	ctx["storm_window_seconds"] = int(c.stormWindow.Seconds())
	if stormCount > c.stormThreshold {
		reasons = append(reasons, ReasonIngestStorm)
	}

	// Rule 2: brute force (auth.login_failed burst per user)
	bruteCutoff := now.Add(-c.bruteWindow)
	user := userOrUnknown(rec.User)
	failCount := 0
	for _, e := range recent {
		if !e.ReceivedTime.Before(bruteCutoff) &&
			e.Category == categoryAuth && e.Action == actionLoginFailed &&
			userOrUnknown(e.User) == user {
			failCount++
		}
	}
	ctx["brute_user"] = user
	ctx["login_failed_count"] = failCount
	ctx["brute_window_seconds"] = int(c.bruteWindow.Seconds())
	if failCount >= c.bruteThreshold {
		reasons = append(reasons, ReasonBruteForce)
	}

	// Rule 3: password spray (one source ip, failures across many users)
	sprayCutoff := now.Add(-c.sprayWindow)
	sprayFails := 0
	sprayUsers := map[string]struct{}{}
	if rec.SrcIP != "" {
		for _, e := range recent {
			if !e.ReceivedTime.Before(sprayCutoff) &&
				e.Category == categoryAuth && e.Action == actionLoginFailed &&
				e.SrcIP == rec.SrcIP {
				sprayFails++
				sprayUsers[userOrUnknown(e.User)] = struct{}{}
			}
		}
	}
	ctx["spray_src_ip"] = rec.SrcIP
	ctx["spray_fail_count"] = sprayFails
	ctx["spray_unique_users"] = len(sprayUsers)
	ctx["spray_window_seconds"] = int(c.sprayWindow.Seconds())
	if sprayFails >= c.sprayFailThreshold && len(sprayUsers) >= c.sprayUniqueUsers {
		reasons = append(reasons, ReasonPasswordSpray)
	}

	// Rule 4: success after a run of failures for the same user
	successCutoff := now.Add(-c.successWindow)
	priorFails := 0
	for _, e := range recent {
		if !e.ReceivedTime.Before(successCutoff) &&
			e.Category == categoryAuth && e.Action == actionLoginFailed &&
			userOrUnknown(e.User) == user {
			priorFails++
		}
	}
	ctx["success_prior_fail_count"] = priorFails
	ctx["success_window_seconds"] = int(c.successWindow.Seconds())
	if rec.Category == categoryAuth && rec.Action == actionLoginSuccess &&
		priorFails >= c.successPriorFails {
		reasons = append(reasons, ReasonSuccessAfterFailures)
	}

	ctx["recent_events_kept"] = len(recent)

	decision := DecisionAllow
	if contains(reasons, ReasonIngestStorm) &&
		(contains(reasons, ReasonBruteForce) || contains(reasons, ReasonPasswordSpray)) {
		decision = DecisionBlock
	} else if len(reasons) > 0 {
		decision = DecisionThrottle
	}

	return CorrelationDecision{
		EventID:  rec.EventID,
		Host:     rec.Host,
		Decision: decision,
		Reasons:  reasons,
		Context:  ctx,
	}
}

func userOrUnknown(user string) string {
	if user == "" {
		return "unknown"
	}
	return user
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
