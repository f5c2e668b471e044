// Package share declares the external collaborator boundaries the hub
// session and peer connection manager call into: the file share, the
// download queue, and the UI/status sink. None of these are implemented
// here — per spec §1/§6 they are out of the core's scope — but the core
// depends on their interfaces to build bloom filters, answer searches and
// surface status events.
package share

import "github.com/direct-connect/dcpp-engine/adc"

// FileInfo is the minimal description of one locally shared file needed
// to answer a search or emit a filelist entry.
type FileInfo struct {
	Path  string
	Size  int64
	TTH   adc.TTH
	IsDir bool
}

// ShareProvider answers searches and supplies the local file set used to
// build the bloom filter requested via GET blom.
type ShareProvider interface {
	// Search returns files matching the given terms, up to maxResults (0
	// meaning unlimited).
	Search(and, not, ext []string, tth string, sizeGE, sizeLE, sizeEQ int64, maxResults int) ([]FileInfo, error)
	// FileCount is the local file count n used in the bloom sizing bound.
	FileCount() int
	// Hashes streams every locally shared TTH, used to build the bloom
	// filter bit vector.
	Hashes() []adc.TTH
}

// SearchCriteria is a protocol-agnostic outbound search request, built by
// a caller and fanned out by the registry to every known hub session
// (spec §4.F "search fan-out"), each of which renders it onto its own
// wire (ADC SCH / NMDC $Search) subject to its own queued-FIFO and
// per-hub minimum interval (spec §3).
type SearchCriteria struct {
	And, Not, Ext []string
	TTH           string
	SizeGE        int64
	SizeLE        int64
	SizeEQ        int64
	MaxResults    int
	Token         string
}

// QueueProvider exposes just enough of the download queue for the peer
// connection manager's per-second tick (spec §4.G).
type QueueProvider interface {
	// StartDownload asks whether there is queued work for user on hub, and
	// if a connection should be opened now.
	StartDownload(cid adc.CID, hub string, smallSlot bool) (hasWork, shouldConnect bool, hubHint string)
}

// UISink receives every user-facing event the core produces: status
// lines, connect/disconnect notifications, and hub/user updates.
type UISink interface {
	StatusMessage(hubURL, text string)
	Failed(hubURL, reason string)
	HubUpdated(hubURL string)
	UserConnected(hubURL string, cid adc.CID)
	UserUpdated(hubURL string, cid adc.CID)
	UserRemoved(hubURL string, cid adc.CID)
}
