package zone

// Table holds the thresholds in effect for the current tick. Runtime updates
// that fail validation leave the previous thresholds in place. A Table is
// owned by the supervisor tick and is not safe for concurrent use.
type Table struct {
	opts Options
}

// NewTable validates o and returns a Table holding it.
func NewTable(o Options) (*Table, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return &Table{opts: o}, nil
}

// Set replaces the thresholds with o. On error the table is unchanged.
func (t *Table) Set(o Options) error {
	if err := o.Validate(); err != nil {
		return err
	}
	t.opts = o
	return nil
}

// Options returns the thresholds currently in effect.
func (t *Table) Options() Options { return t.opts }

// Classify classifies delta against the current thresholds.
func (t *Table) Classify(delta float64) Zone { return Classify(delta, t.opts) }

// Limit returns the upper bound of z under the current thresholds.
func (t *Table) Limit(z Zone) float64 { return t.opts.Limit(z) }
