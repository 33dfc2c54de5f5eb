package domain

// SearchState is the backend-reported state of a peer search.
type SearchState string

const (
	SearchStateInProgress SearchState = "InProgress"
	SearchStateCompleted  SearchState = "Completed"
	SearchStateCancelled  SearchState = "Cancelled"
	SearchStateUnknown    SearchState = "Unknown"
)

// SearchFile is one remote file offered by a peer.
type SearchFile struct {
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	BitRate    int    `json:"bitRate,omitempty"`
	BitDepth   int    `json:"bitDepth,omitempty"`
	SampleRate int    `json:"sampleRate,omitempty"`
	Length     int    `json:"length,omitempty"`
}

// SearchResponse is one peer's answer to a search.
type SearchResponse struct {
	Username          string       `json:"username"`
	Files             []SearchFile `json:"files"`
	HasFreeUploadSlot bool         `json:"hasFreeUploadSlot"`
	UploadSpeed       int64        `json:"uploadSpeed"`
}

// EnqueueResult reports which files the backend accepted. Failed holds the
// remote filenames that were rejected.
type EnqueueResult struct {
	Enqueued []TransferState
	Failed   []string
}

// TransferState is a single file transfer as reported by the download backend.
type TransferState struct {
	ID               string
	Filename         string
	State            string
	Size             int64
	BytesTransferred int64
}

// TransferDirectory groups transfers for one remote directory.
type TransferDirectory struct {
	Directory string
	Files     []TransferState
}

// PeerTransfers is the per-peer download snapshot.
type PeerTransfers struct {
	Username    string
	Directories []TransferDirectory
}

type QualityTier string

const (
	QualityTierLossless QualityTier = "lossless"
	QualityTierHigh     QualityTier = "high"
	QualityTierStandard QualityTier = "standard"
	QualityTierLow      QualityTier = "low"
	QualityTierUnknown  QualityTier = "unknown"
)

// QualityInfo describes the audio quality of a file or a selected bundle.
type QualityInfo struct {
	Format     string      `json:"format,omitempty"`
	BitRate    int         `json:"bitRate,omitempty"`
	BitDepth   int         `json:"bitDepth,omitempty"`
	SampleRate int         `json:"sampleRate,omitempty"`
	Tier       QualityTier `json:"tier,omitempty"`
}
