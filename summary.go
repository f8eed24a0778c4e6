package arcgraph

import (
	"time"

	"github.com/arcgraph/arcgraph-go/db"
)

// StatementType classifies what a statement did, from the summary's "type"
// field.
type StatementType int

const (
	StatementTypeUnknown StatementType = iota
	StatementTypeReadOnly
	StatementTypeReadWrite
	StatementTypeWriteOnly
	StatementTypeSchemaWrite
)

func statementTypeOf(s string) StatementType {
	switch s {
	case "r":
		return StatementTypeReadOnly
	case "rw":
		return StatementTypeReadWrite
	case "w":
		return StatementTypeWriteOnly
	case "s":
		return StatementTypeSchemaWrite
	}
	return StatementTypeUnknown
}

// Counters aggregates the write effects of a statement.
type Counters struct {
	NodesCreated         int
	NodesDeleted         int
	RelationshipsCreated int
	RelationshipsDeleted int
	PropertiesSet        int
	LabelsAdded          int
	LabelsRemoved        int
	IndexesAdded         int
	IndexesRemoved       int
	ConstraintsAdded     int
	ConstraintsRemoved   int
}

// ContainsUpdates reports whether the statement changed anything.
func (c Counters) ContainsUpdates() bool {
	return c.NodesCreated > 0 || c.NodesDeleted > 0 ||
		c.RelationshipsCreated > 0 || c.RelationshipsDeleted > 0 ||
		c.PropertiesSet > 0 || c.LabelsAdded > 0 || c.LabelsRemoved > 0 ||
		c.IndexesAdded > 0 || c.IndexesRemoved > 0 ||
		c.ConstraintsAdded > 0 || c.ConstraintsRemoved > 0
}

// Plan is one operator of the server's query plan. For profiled plans,
// DbHits and Records carry the observed per-operator work.
type Plan struct {
	Operator    string
	Arguments   map[string]any
	Identifiers []string
	DbHits      int64
	Records     int64
	Children    []*Plan
}

// InputPosition locates a notification within the statement text.
type InputPosition struct {
	Offset int
	Line   int
	Column int
}

// Notification is a server hint or warning attached to the summary.
type Notification struct {
	Code        string
	Title       string
	Description string
	Severity    string
	Position    *InputPosition
}

// ServerInfo describes the member that executed the statement.
type ServerInfo struct {
	Address db.ServerAddress
	Version string
}

// ResultSummary describes one finished (or failed) statement stream.
type ResultSummary struct {
	Statement string
	Params    map[string]any

	Type          StatementType
	Counters      Counters
	Plan          *Plan
	Profile       *Plan
	Notifications []Notification
	Server        ServerInfo

	ResultAvailableAfter time.Duration
	ResultConsumedAfter  time.Duration
}

// newSummary folds the RUN and PULL_ALL success metadata into a summary.
// Either map may be nil for a failed run; the summary then only describes
// the statement and server.
func newSummary(statement string, params map[string]any, server ServerInfo, runMeta, pullMeta map[string]any) *ResultSummary {
	var s = &ResultSummary{
		Statement: statement,
		Params:    params,
		Server:    server,
	}
	if t, ok := runMeta["result_available_after"]; ok {
		s.ResultAvailableAfter = time.Duration(intOf(t)) * time.Millisecond
	}
	if t, ok := pullMeta["result_consumed_after"]; ok {
		s.ResultConsumedAfter = time.Duration(intOf(t)) * time.Millisecond
	}
	if t, ok := pullMeta["type"].(string); ok {
		s.Type = statementTypeOf(t)
	}
	if stats, ok := pullMeta["stats"].(map[string]any); ok {
		s.Counters = countersOf(stats)
	}
	if plan, ok := pullMeta["plan"].(map[string]any); ok {
		s.Plan = planOf(plan)
	}
	if profile, ok := pullMeta["profile"].(map[string]any); ok {
		s.Profile = planOf(profile)
	}
	if raw, ok := pullMeta["notifications"].([]any); ok {
		for _, n := range raw {
			if m, ok := n.(map[string]any); ok {
				s.Notifications = append(s.Notifications, notificationOf(m))
			}
		}
	}
	return s
}

func countersOf(stats map[string]any) Counters {
	return Counters{
		NodesCreated:         int(intOf(stats["nodes-created"])),
		NodesDeleted:         int(intOf(stats["nodes-deleted"])),
		RelationshipsCreated: int(intOf(stats["relationships-created"])),
		RelationshipsDeleted: int(intOf(stats["relationships-deleted"])),
		PropertiesSet:        int(intOf(stats["properties-set"])),
		LabelsAdded:          int(intOf(stats["labels-added"])),
		LabelsRemoved:        int(intOf(stats["labels-removed"])),
		IndexesAdded:         int(intOf(stats["indexes-added"])),
		IndexesRemoved:       int(intOf(stats["indexes-removed"])),
		ConstraintsAdded:     int(intOf(stats["constraints-added"])),
		ConstraintsRemoved:   int(intOf(stats["constraints-removed"])),
	}
}

func planOf(m map[string]any) *Plan {
	var p = &Plan{
		Operator: stringOf(m["operatorType"]),
		DbHits:   intOf(m["dbHits"]),
		Records:  intOf(m["rows"]),
	}
	if args, ok := m["args"].(map[string]any); ok {
		p.Arguments = args
	}
	if ids, ok := m["identifiers"].([]any); ok {
		for _, id := range ids {
			p.Identifiers = append(p.Identifiers, stringOf(id))
		}
	}
	if children, ok := m["children"].([]any); ok {
		for _, c := range children {
			if cm, ok := c.(map[string]any); ok {
				p.Children = append(p.Children, planOf(cm))
			}
		}
	}
	return p
}

func notificationOf(m map[string]any) Notification {
	var n = Notification{
		Code:        stringOf(m["code"]),
		Title:       stringOf(m["title"]),
		Description: stringOf(m["description"]),
		Severity:    stringOf(m["severity"]),
	}
	if pos, ok := m["position"].(map[string]any); ok {
		n.Position = &InputPosition{
			Offset: int(intOf(pos["offset"])),
			Line:   int(intOf(pos["line"])),
			Column: int(intOf(pos["column"])),
		}
	}
	return n
}

func intOf(v any) int64 {
	switch x := v.(type) {
	case int64:
		return x
	case int:
		return int64(x)
	case float64:
		return int64(x)
	}
	return 0
}

func stringOf(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
