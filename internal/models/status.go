package models

type StatusState string

const (
	StatusIdle    StatusState = "idle"
	StatusLoading StatusState = "loading"
	StatusError   StatusState = "error"
)

// Status - результат последней авторитетной операции группы ресурсов (auth, posts).
type Status struct {
	State   StatusState `json:"state"`
	Message string      `json:"message,omitempty"`
	Kind    string      `json:"kind,omitempty"`
}

func Idle() Status    { return Status{State: StatusIdle} }
func Loading() Status { return Status{State: StatusLoading} }

func Failed(kind, message string) Status {
	return Status{State: StatusError, Kind: kind, Message: message}
}

func (s Status) IsError() bool   { return s.State == StatusError }
func (s Status) IsLoading() bool { return s.State == StatusLoading }
