package models

import "time"

// CategorySystem is the distinguished service category whose members are
// always scheduled and cannot be excluded by submission parameters.
const CategorySystem = "system"

// Service describes one analysis service as published in the service catalog.
// The dispatcher treats catalog entries as read-only.
type Service struct {
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	Stage    string `json:"stage" yaml:"stage"`
	Enabled  bool   `json:"enabled" yaml:"enabled"`

	// Accepts and Rejects are regular expressions matched against the file
	// type, anchored at the start. An empty Accepts matches every type.
	Accepts string `json:"accepts,omitempty" yaml:"accepts,omitempty"`
	Rejects string `json:"rejects,omitempty" yaml:"rejects,omitempty"`

	// Timeout is the service's processing budget in seconds. It doubles as
	// the dispatch re-issue window: a (file, service) pair is not pushed to
	// the service queue again until this much time has passed since the
	// previous dispatch.
	Timeout int `json:"timeout" yaml:"timeout"`

	SubmissionParams []ServiceParam `json:"submission_params,omitempty" yaml:"submission_params,omitempty"`
}

// ServiceParam is a user-tunable service parameter with its default value.
type ServiceParam struct {
	Name    string `json:"name" yaml:"name"`
	Default any    `json:"default" yaml:"default"`
}

// DispatchWindow returns the re-issue window as a duration.
func (s Service) DispatchWindow() time.Duration {
	return time.Duration(s.Timeout) * time.Second
}
