package domain

import "fmt"

// DefinitionKind names a definition family in errors and storage.
type DefinitionKind string

const (
	KindEntity  DefinitionKind = "entity"
	KindReport  DefinitionKind = "report"
	KindMeasure DefinitionKind = "measure"
	KindMonitor DefinitionKind = "monitor"
)

// DefinitionError reports a violated construction-time invariant. It is
// fatal for the definition: compiler-stage errors are configuration bugs and
// are never retried.
type DefinitionError struct {
	Kind   DefinitionKind
	ID     string
	Field  string
	Reason string
}

func (e *DefinitionError) Error() string {
	switch {
	case e.ID == "":
		return fmt.Sprintf("invalid %s definition: %s", e.Kind, e.Reason)
	case e.Field == "":
		return fmt.Sprintf("invalid %s %q: %s", e.Kind, e.ID, e.Reason)
	}
	return fmt.Sprintf("invalid %s %q, field %q: %s", e.Kind, e.ID, e.Field, e.Reason)
}
