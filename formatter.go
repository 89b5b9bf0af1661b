package workgraph

// Formatter prints human readable progress as units run.
type Formatter interface {
	PrintUnitStart(unitID, kind string)
	PrintUnitOutput(unitID string, content any)
	PrintUnitError(unitID string, err error)
	PrintUnitRetry(unitID string, attempt int, err error)
}
