package model

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// ClientTemplate carries the fields stamped onto every client a job creates.
// Key names match the request payloads of the original manager API.
type ClientTemplate struct {
	Prefix     string `json:"prefix"`
	Total      int64  `json:"total"`
	ExpiryTime int64  `json:"expiry_time"`
	LimitIP    int    `json:"limitIp"`
	Reset      int    `json:"reset"`
	Flow       string `json:"flow"`
	Method     string `json:"method"`
	Password   string `json:"password"`
}

type JobProgress struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

type JobError struct {
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

// Job is one bulk-provisioning request against a single inbound. Multi-inbound
// submissions fan out into one Job per target so progress stays independent.
type Job struct {
	Id          string         `json:"id" gorm:"primaryKey"`
	Status      JobStatus      `json:"status" gorm:"index"`
	InboundId   int            `json:"inboundId" gorm:"index"`
	Template    ClientTemplate `json:"-" gorm:"serializer:json"`
	Progress    JobProgress    `json:"progress" gorm:"embedded;embeddedPrefix:progress_"`
	Errors      []JobError     `json:"errors" gorm:"serializer:json"`
	CreatedAt   int64          `json:"created_at" gorm:"autoCreateTime:false"`
	StartedAt   int64          `json:"started_at,omitempty"`
	CompletedAt int64          `json:"completed_at,omitempty"`
}
