// Package sym defines the glyphs genq prints in CLI help, tables and logs.
package sym

// Queue glyphs
const (
	Slot   = "◉" // the single execution slot
	Queue  = "⋮" // pending backlog
	Lock   = "⚿" // priority lock
	Maint  = "⛭" // maintenance mode
	Feed   = "≈" // change feed
	DB     = "⊔" // database
	AM     = "≡" // configuration
	Worker = "꩜" // coordinator loop
)

// Lifecycle markers used in worker logs
const (
	Start = "✿"
	Stop  = "❀"
)

// StatusGlyph maps a job status name to its display glyph.
var StatusGlyph = map[string]string{
	"pending":   "○",
	"blocked":   "⊘",
	"active":    "●",
	"completed": "✓",
	"failed":    "✗",
}
