package server

import (
	"trustlens/internal/domain"
)

// Request payloads

type AnalyzeRequest struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
}

type BatchItemRequest struct {
	Path     string `json:"path"`
	Filename string `json:"filename,omitempty"`
}

type SubmitBatchRequest struct {
	Items []BatchItemRequest `json:"items"`
}

type HashRequest struct {
	Path string `json:"path"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

type AnalysisResponse struct {
	ID        string              `json:"id"`
	Filename  string              `json:"filename"`
	Verdict   domain.TrustVerdict `json:"verdict"`
	CreatedAt string              `json:"created_at" format:"date-time"`
}

type paginatedAnalyses struct {
	Items      []AnalysisResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

type BatchJobResponse struct {
	ID        string              `json:"id"`
	Status    string              `json:"status" enum:"pending,processing,completed,failed"`
	Total     int                 `json:"total"`
	Completed int                 `json:"completed"`
	Progress  float64             `json:"progress"`
	Results   []domain.ItemResult `json:"results"`
	Errors    []domain.ItemError  `json:"errors"`
	CreatedAt string              `json:"created_at" format:"date-time"`
	EndedAt   *string             `json:"ended_at,omitempty" format:"date-time"`
}

type RobustnessResponse struct {
	Baseline       domain.TrustVerdict    `json:"baseline"`
	Attacks        []domain.AttackOutcome `json:"attacks"`
	MostResilient  *domain.AttackKey      `json:"most_resilient,omitempty"`
	MostVulnerable *domain.AttackKey      `json:"most_vulnerable,omitempty"`
}

type HashResponse struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty"`
}

type EventResponse struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json,omitempty"`
}

func analysisResponse(a domain.Analysis) AnalysisResponse {
	return AnalysisResponse{
		ID:        a.ID,
		Filename:  a.Filename,
		Verdict:   a.Verdict,
		CreatedAt: a.CreatedAt,
	}
}

func mapAnalyses(items []domain.Analysis) []AnalysisResponse {
	res := make([]AnalysisResponse, 0, len(items))
	for _, a := range items {
		res = append(res, analysisResponse(a))
	}
	return res
}

// batchJobResponse never emits null for the item lists so pollers can
// always index into them.
func batchJobResponse(job domain.BatchJob) BatchJobResponse {
	results := job.Results
	if results == nil {
		results = []domain.ItemResult{}
	}
	itemErrs := job.Errors
	if itemErrs == nil {
		itemErrs = []domain.ItemError{}
	}
	return BatchJobResponse{
		ID:        job.ID,
		Status:    job.Status,
		Total:     job.Total,
		Completed: job.Completed,
		Progress:  job.Progress,
		Results:   results,
		Errors:    itemErrs,
		CreatedAt: job.CreatedAt,
		EndedAt:   job.EndedAt,
	}
}

func robustnessResponse(r domain.RobustnessReport) RobustnessResponse {
	attacks := r.Attacks
	if attacks == nil {
		attacks = []domain.AttackOutcome{}
	}
	return RobustnessResponse{
		Baseline:       r.Baseline,
		Attacks:        attacks,
		MostResilient:  r.MostResilient,
		MostVulnerable: r.MostVulnerable,
	}
}

func apiKeyResponse(key domain.APIKey, raw string) APIKeyResponse {
	return APIKeyResponse{
		ID:        key.ID,
		ActorID:   key.ActorID,
		Name:      key.Name,
		CreatedAt: key.CreatedAt,
		Key:       raw,
	}
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, EventResponse{
			ID:         e.ID,
			TS:         e.TS,
			Type:       e.Type,
			EntityKind: e.EntityKind,
			EntityID:   e.EntityID,
			ActorID:    e.ActorID,
			Payload:    e.Payload,
		})
	}
	return res
}
