package transfers

import (
	"time"

	"github.com/google/uuid"
)

// Transfer is the durable record of one upload or download. Uploads
// carry the masked wire filename; downloads carry the remote filename.
type Transfer struct {
	ID        string    `gorm:"primaryKey"    json:"id"`
	Direction Direction `gorm:"index;size:8"  json:"direction"`
	Username  string    `gorm:"index"         json:"username"`
	Filename  string    `gorm:"index"         json:"filename"`
	Size      uint64    `json:"size"`

	State     State  `gorm:"index;size:32" json:"state"`
	Exception string `json:"exception,omitempty"`

	BytesTransferred uint64  `json:"bytes_transferred"`
	AverageSpeed     float64 `json:"average_speed"`
	PlaceInQueue     int     `json:"place_in_queue,omitempty"`

	RequestedAt time.Time  `json:"requested_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`

	// Removed hides a completed record from default listings without
	// deleting it.
	Removed bool `gorm:"index" json:"removed"`
}

// TableName implements the gorm table naming convention.
func (Transfer) TableName() string {
	return "transfers"
}

func newTransfer(direction Direction, username, filename string, size uint64) *Transfer {
	return &Transfer{
		ID:          uuid.NewString(),
		Direction:   direction,
		Username:    username,
		Filename:    filename,
		Size:        size,
		State:       StateRequested,
		RequestedAt: time.Now().UTC(),
	}
}
