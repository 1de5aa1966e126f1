package engine

// DispatchSummary is the aggregate outcome of one dispatcher tick. A tick
// never fails as a whole for one bad item; operators read these counts
// instead.
type DispatchSummary struct {
	Processed  int `json:"processed"`
	Dispatched int `json:"dispatched"`
	ClaimLost  int `json:"claim_lost"`
	Unroutable int `json:"unroutable"`
	Errors     int `json:"errors"`
}

// AdvanceSummary is the aggregate outcome of one sequencer tick.
type AdvanceSummary struct {
	Processed int `json:"processed"`
	Advanced  int `json:"advanced"`
	Finished  int `json:"finished"`
	Errors    int `json:"errors"`
}

// TickReport combines both phases of one scheduling tick.
type TickReport struct {
	Sequencer  AdvanceSummary  `json:"sequencer"`
	Dispatcher DispatchSummary `json:"dispatcher"`
}
