package capture

import (
	"context"
	"time"

	"github.com/google/uuid"

	"bracketeer/internal/device"
	"bracketeer/internal/location"
)

// State is the session lifecycle phase. Exactly one run exists while the
// state is Settling, Capturing or Finishing.
type State int

const (
	StateIdle State = iota
	StateConfiguring
	StateSettling
	StateCapturing
	StateFinishing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConfiguring:
		return "configuring"
	case StateSettling:
		return "settling"
	case StateCapturing:
		return "capturing"
	case StateFinishing:
		return "finishing"
	}
	return "unknown"
}

// Alert is the user-facing failure event: one human-readable message plus
// whether the session can keep going. Presentation belongs to the UI.
type Alert struct {
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}

// Snapshot is the read-only state published to the UI surface. Plain value
// copy; no mutable reference crosses the queue boundary.
type Snapshot struct {
	State      State           `json:"-"`
	StateName  string          `json:"state"`
	Lens       device.LensKind `json:"lens"`
	RawEnabled bool            `json:"raw_enabled"`
	RawActive  bool            `json:"raw_active"`
	RunID      string          `json:"run_id,omitempty"`
	Progress   int             `json:"progress"`
	Planned    int             `json:"planned"`
	LastError  *Alert          `json:"last_error,omitempty"`
	// AssetIDs is the ordered asset list for the most recently finished
	// run; shorter than planned when saves failed.
	AssetIDs []string `json:"asset_ids,omitempty"`
}

// SaveRequest hands one delivered photo to the persistence collaborator.
type SaveRequest struct {
	RunID       string
	Position    int
	Label       string
	Bytes       []byte
	IsRaw       bool
	PixelFormat device.PixelFormat
	Location    *location.Location
}

// AssetSaver is the persistence collaborator. Called off the device queue;
// may run concurrently with capture of subsequent shots.
type AssetSaver interface {
	SaveAsset(ctx context.Context, req SaveRequest) (string, error)
}

// RunRecord describes one bracket run for history persistence.
type RunRecord struct {
	ID        string
	Lens      device.LensKind
	EVStep    float64
	ShotCount int
}

// RunRecorder persists run lifecycle transitions. Optional; a nil recorder
// disables history.
type RunRecorder interface {
	RecordRunStart(rec RunRecord) error
	RecordRunResult(id, status, errMsg string) error
}

// captureRun is the mutable state for one in-progress bracket. Owned
// exclusively by the device queue; created at run start, dropped at
// finalization.
type captureRun struct {
	id        string
	plan      BracketPlan
	evStep    float64
	baseline  device.Exposure
	rawFormat device.PixelFormat // empty means processed-only path
	dims      device.Dimensions
	startedAt time.Time

	stepIndex int // manual strategy: next plan entry to request
	delivered int // photos received so far; drives position correlation
	grouped   bool

	// assets holds one slot per plan position; empty slots are saves that
	// failed and get compacted out of the final list.
	assets       []string
	pendingSaves int

	finished      bool
	awaitingSaves bool
	failure       error
}

func newRun(plan BracketPlan, evStep float64) *captureRun {
	return &captureRun{
		id:        uuid.NewString(),
		plan:      plan,
		evStep:    evStep,
		startedAt: time.Now(),
		assets:    make([]string, len(plan)),
	}
}

// finalAssets compacts the per-position slots into the ordered asset list.
func (r *captureRun) finalAssets() []string {
	out := make([]string, 0, len(r.assets))
	for _, id := range r.assets {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}
