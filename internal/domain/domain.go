package domain

import "errors"

// ErrSignalNotApplicable marks a signal that cannot be computed for this
// input at all (e.g. audio analysis of a silent video). The pipeline
// substitutes NeutralScore for such signals before fusion.
var ErrSignalNotApplicable = errors.New("signal not applicable")

// Decision is the discrete authenticity label derived from the calibrated
// trust score and the input quality tier.
type Decision string

const (
	DecisionReal       Decision = "real"
	DecisionLikelyReal Decision = "likely_real"
	DecisionAmbiguous  Decision = "ambiguous"
	DecisionLikelyFake Decision = "likely_fake"
	DecisionFake       Decision = "fake"
)

// Signal names recognized by the fusion engine.
const (
	SignalVision   = "vision"
	SignalAudio    = "audio"
	SignalTemporal = "temporal"
)

// NeutralScore is what callers substitute when an extractor is not
// applicable (e.g. a silent video has no audio signal). The fusion engine
// never fills this in itself.
const NeutralScore = 0.5

// SignalResult is one analyzer's output. Immutable once produced.
type SignalResult struct {
	Score      float64            `json:"score" minimum:"0" maximum:"1"`
	SubMetrics map[string]float64 `json:"sub_metrics,omitempty"`
}

// QualityAssessment describes how analyzable the input was. Immutable.
type QualityAssessment struct {
	Overall     float64 `json:"overall" minimum:"0" maximum:"1"`
	Compression float64 `json:"compression" minimum:"0" maximum:"1"`
	Noise       float64 `json:"noise" minimum:"0" maximum:"1"`
	Blocking    float64 `json:"blocking" minimum:"0" maximum:"1"`
	Resolution  float64 `json:"resolution" minimum:"0" maximum:"1"`
}

// TrustVerdict is the fusion output for one analyzed item.
type TrustVerdict struct {
	RawScore   float64                 `json:"raw_score" minimum:"0" maximum:"1"`
	FinalScore float64                 `json:"final_score" minimum:"0" maximum:"1"`
	Decision   Decision                `json:"decision" enum:"real,likely_real,ambiguous,likely_fake,fake"`
	Reason     string                  `json:"reason"`
	Signals    map[string]SignalResult `json:"signals"`
	Quality    QualityAssessment       `json:"quality"`
}

// AttackKey identifies one cell of the robustness matrix.
type AttackKey struct {
	Attack    string `json:"attack"`
	Intensity string `json:"intensity"`
}

func (k AttackKey) String() string { return k.Attack + "_" + k.Intensity }

// AttackOutcome is one robustness matrix cell. Degradation is nil when the
// cell failed; negative degradations (the attack raised the score) are
// preserved as-is.
type AttackOutcome struct {
	Key         AttackKey `json:"key"`
	Score       float64   `json:"score"`
	Degradation *float64  `json:"degradation"`
	Error       string    `json:"error,omitempty"`
}

// RobustnessReport maps every (attack, intensity) pair to its outcome,
// in catalogue order.
type RobustnessReport struct {
	Baseline       TrustVerdict    `json:"baseline"`
	Attacks        []AttackOutcome `json:"attacks"`
	MostResilient  *AttackKey      `json:"most_resilient,omitempty"`
	MostVulnerable *AttackKey      `json:"most_vulnerable,omitempty"`
}

// Batch job lifecycle statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
)

// ItemResult is one successfully analyzed batch item, appended in
// completion order.
type ItemResult struct {
	Filename string       `json:"filename"`
	Verdict  TrustVerdict `json:"verdict"`
}

// ItemError is one failed batch item, appended in completion order.
type ItemError struct {
	Filename string `json:"filename"`
	Message  string `json:"message"`
}

// BatchJob is a snapshot of one batch analysis job. Invariant:
// Completed == len(Results) + len(Errors) at every observable snapshot.
type BatchJob struct {
	ID        string       `json:"id"`
	Status    string       `json:"status" enum:"pending,processing,completed,failed"`
	Total     int          `json:"total"`
	Completed int          `json:"completed"`
	Progress  float64      `json:"progress"`
	Results   []ItemResult `json:"results"`
	Errors    []ItemError  `json:"errors"`
	CreatedAt string       `json:"created_at" format:"date-time"`
	EndedAt   *string      `json:"ended_at,omitempty" format:"date-time"`
}

// Analysis is a persisted record of one synchronous analysis.
type Analysis struct {
	ID        string       `json:"id"`
	Filename  string       `json:"filename"`
	Verdict   TrustVerdict `json:"verdict"`
	CreatedAt string       `json:"created_at" format:"date-time"`
}

// APIKey grants HTTP access to a named actor.
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only activity log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
