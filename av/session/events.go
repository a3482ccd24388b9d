package session

import "github.com/sirupsen/logrus"

// Events receives the notifications the control plane forwards to
// clients. Implementations must not block.
type Events interface {
	// DecodingStarted announces a shared-memory sink a client can attach
	// to. isMixer is true for conference canvases.
	DecodingStarted(id, shmName string, width, height int, isMixer bool)
	// DecodingStopped announces the sink is gone.
	DecodingStopped(id, shmName string, isMixer bool)
	// ConferenceCreated announces a new video conference.
	ConferenceCreated(confID string)
	// ConferenceChanged reports the number of sources on the canvas.
	ConferenceChanged(confID string, sources int)
}

// LogEvents logs every notification. It is the default when no Events
// implementation is supplied.
type LogEvents struct{}

func (LogEvents) DecodingStarted(id, shmName string, width, height int, isMixer bool) {
	logrus.WithFields(logrus.Fields{
		"function": "LogEvents.DecodingStarted",
		"id":       id,
		"shm_name": shmName,
		"width":    width,
		"height":   height,
		"mixer":    isMixer,
	}).Info("Decoding started")
}

func (LogEvents) DecodingStopped(id, shmName string, isMixer bool) {
	logrus.WithFields(logrus.Fields{
		"function": "LogEvents.DecodingStopped",
		"id":       id,
		"shm_name": shmName,
		"mixer":    isMixer,
	}).Info("Decoding stopped")
}

func (LogEvents) ConferenceCreated(confID string) {
	logrus.WithFields(logrus.Fields{
		"function": "LogEvents.ConferenceCreated",
		"conf_id":  confID,
	}).Info("Conference created")
}

func (LogEvents) ConferenceChanged(confID string, sources int) {
	logrus.WithFields(logrus.Fields{
		"function": "LogEvents.ConferenceChanged",
		"conf_id":  confID,
		"sources":  sources,
	}).Debug("Conference changed")
}
