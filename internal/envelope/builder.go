package envelope

// Builder accumulates a payload and warnings, producing Success when no
// warnings were added and Degraded otherwise.
type Builder struct {
	data     interface{}
	summary  string
	warnings []Warning
}

// New creates a new result builder.
func New() *Builder {
	return &Builder{}
}

// Data sets the payload.
func (b *Builder) Data(data interface{}) *Builder {
	b.data = data
	return b
}

// Summary sets the one-line summary.
func (b *Builder) Summary(s string) *Builder {
	b.summary = s
	return b
}

// Warning adds a warning without a code.
func (b *Builder) Warning(msg string) *Builder {
	b.warnings = append(b.warnings, Warning{Message: msg})
	return b
}

// WarningWithCode adds a warning with a machine-readable code.
func (b *Builder) WarningWithCode(code, msg string) *Builder {
	b.warnings = append(b.warnings, Warning{Code: code, Message: msg})
	return b
}

// Warnings adds several plain warnings.
func (b *Builder) Warnings(msgs ...string) *Builder {
	for _, m := range msgs {
		b.Warning(m)
	}
	return b
}

// Build returns the result.
func (b *Builder) Build() Result {
	if len(b.warnings) == 0 {
		return Success{Data: b.data, Summary: b.summary}
	}
	return Degraded{Data: b.data, Summary: b.summary, Warnings: b.warnings}
}
