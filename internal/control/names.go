package control

// RegionNames are the shared regions of one run.
type RegionNames struct {
	Command string
	Params  string
	Results string
	Log     string
}

// Names derives region names from a run id.
func Names(runID string) RegionNames {
	return RegionNames{
		Command: runID + ".cmd",
		Params:  runID + ".params",
		Results: runID + ".results",
		Log:     runID + ".log",
	}
}
