package domain

import "time"

// Table names in the primary store. The local fallback store keys its
// record log by the same names so reconciliation can replay verbatim.
const (
	TableAccounts         = "accounts"
	TableSessions         = "bot_sessions"
	TableRuns             = "bot_runs"
	TablePurchaseAttempts = "purchase_attempts"
	TableCaptchaAttempts  = "captcha_attempts"
	TableProxyPerformance = "proxy_performance"
	TablePerformanceLogs  = "performance_logs"
	TableAnalyticsMetrics = "analytics_metrics"
	TableNotifications    = "notifications"
	TableResearchSessions = "research_sessions"
)

type Account struct {
	ID           string     `json:"id"`
	Platform     string     `json:"platform"`
	Status       string     `json:"status" enum:"active,inactive"`
	SuccessCount int        `json:"success_count"`
	FailureCount int        `json:"failure_count"`
	LastUsed     *time.Time `json:"last_used,omitempty"`
	CreatedAt    time.Time  `json:"created_at" format:"date-time"`
}

type Session struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	Platform    string    `json:"platform"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	ProxyUsed   string    `json:"proxy_used,omitempty"`
	Status      string    `json:"status" enum:"active,expired"`
	CreatedAt   time.Time `json:"created_at" format:"date-time"`
	ExpiresAt   time.Time `json:"expires_at" format:"date-time"`
}

// RunFlags are outcome qualifiers set by the producer before the run closes.
type RunFlags struct {
	CaptchaRequired    bool `json:"captcha_required"`
	CaptchaSolved      bool `json:"captcha_solved"`
	QueueDetected      bool `json:"queue_detected"`
	DetectionTriggered bool `json:"detection_triggered"`
}

type Run struct {
	ID            string     `json:"id"`
	SessionID     string     `json:"session_id"`
	AccountID     string     `json:"account_id"`
	Platform      string     `json:"platform"`
	BotType       string     `json:"bot_type"`
	TargetProduct string     `json:"target_product,omitempty"`
	TargetSize    string     `json:"target_size,omitempty"`
	Status        string     `json:"status" enum:"pending,completed,failed"`
	Success       bool       `json:"success"`
	StartedAt     time.Time  `json:"started_at" format:"date-time"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" format:"date-time"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ResearchTag   string     `json:"research_tag,omitempty"`
	Flags         RunFlags   `json:"flags"`
}

type PurchaseAttempt struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	AccountID    string    `json:"account_id"`
	Platform     string    `json:"platform"`
	Stage        string    `json:"stage"`
	Success      bool      `json:"success"`
	OrderID      string    `json:"order_id,omitempty"`
	ErrorDetails string    `json:"error_details,omitempty"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type CaptchaAttempt struct {
	ID            string    `json:"id"`
	RunID         string    `json:"run_id"`
	Platform      string    `json:"platform"`
	CaptchaType   string    `json:"captcha_type"`
	SolverService string    `json:"solver_service"`
	Success       bool      `json:"success"`
	SolveTimeMS   int64     `json:"solve_time_ms"`
	Cost          float64   `json:"cost"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// ProxyRecord aggregates performance of one egress point on one platform.
// Keyed by (proxy_address, platform), not by a generated ID.
type ProxyRecord struct {
	ProxyAddress   string     `json:"proxy_address"`
	Platform       string     `json:"platform"`
	SuccessCount   int        `json:"success_count"`
	FailureCount   int        `json:"failure_count"`
	DetectionCount int        `json:"detection_count"`
	AvgResponseMS  int64      `json:"avg_response_ms"`
	LastTested     time.Time  `json:"last_tested" format:"date-time"`
	LastSuccess    *time.Time `json:"last_success,omitempty" format:"date-time"`
}

type PerformanceEvent struct {
	ID          string       `json:"id"`
	RunID       string       `json:"run_id"`
	EventType   string       `json:"event_type"`
	EventName   string       `json:"event_name"`
	TimestampMS int64        `json:"timestamp_ms"`
	Details     EventDetails `json:"details"`
}

// AnalyticsMetric is a derived rate snapshot for one (platform, bot_type, date).
// Rows are recomputable from raw records and never hand-edited.
type AnalyticsMetric struct {
	Platform           string    `json:"platform"`
	BotType            string    `json:"bot_type,omitempty"`
	MetricDate         string    `json:"metric_date" format:"date"`
	TotalAttempts      int       `json:"total_attempts"`
	SuccessfulAttempts int       `json:"successful_attempts"`
	FailedAttempts     int       `json:"failed_attempts"`
	AvgDurationMS      int64     `json:"avg_duration_ms"`
	SuccessRate        float64   `json:"success_rate"`
	CaptchaSuccessRate float64   `json:"captcha_success_rate"`
	DetectionRate      float64   `json:"detection_rate"`
	ComputedAt         time.Time `json:"computed_at" format:"date-time"`
}

type Notification struct {
	ID      string    `json:"id"`
	RunID   string    `json:"run_id"`
	Type    string    `json:"notification_type"`
	Channel string    `json:"channel"`
	Message string    `json:"message"`
	Success bool      `json:"success"`
	SentAt  time.Time `json:"sent_at" format:"date-time"`
}

// ResearchSession groups runs for a study by a shared tag; the link is the
// run's research_tag matching the session name, not a foreign key.
type ResearchSession struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Platform    string     `json:"platform,omitempty"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status" enum:"active,completed"`
	TotalRuns   int        `json:"total_runs"`
	Successful  int        `json:"successful_runs"`
	Failed      int        `json:"failed_runs"`
	Findings    string     `json:"findings,omitempty"`
	StartedAt   time.Time  `json:"started_at" format:"date-time"`
	CompletedAt *time.Time `json:"completed_at,omitempty" format:"date-time"`
}
