package types

import "time"

// Mode is the session-level state owned by the session controller.
type Mode string

const (
	ModeIdle         Mode = "Idle"
	ModeRecording    Mode = "Recording"
	ModeTranscribing Mode = "Transcribing"
	ModeResponding   Mode = "Responding"
	ModeSpeaking     Mode = "Speaking"
	ModeLocked       Mode = "Locked"
)

// Session is the single conversation on this device.
type Session struct {
	Mode           Mode      `json:"mode"`
	HasGreeted     bool      `json:"has_greeted"`
	LastTransition time.Time `json:"last_transition"`
	TurnID         string    `json:"turn_id,omitempty"`
}

type Sentiment string

const (
	SentimentPos Sentiment = "pos"
	SentimentNeu Sentiment = "neu"
	SentimentNeg Sentiment = "neg"
)

type Energy string

const (
	EnergyLow  Energy = "low"
	EnergyMed  Energy = "med"
	EnergyHigh Energy = "high"
)

// TurnSignals are measured once per turn and fed to the dialogue decision.
type TurnSignals struct {
	STTConfidence float64   `json:"stt_confidence"`
	Interrupted   bool      `json:"interrupted"`
	SilenceMs     int       `json:"silence_ms"`
	AvgTurnSecs   float64   `json:"avg_turn_secs"`
	Sentiment     Sentiment `json:"sentiment"`
	Energy        Energy    `json:"energy"`
}

// DialogueMode is the conversational mode picked for the next reply.
type DialogueMode string

const (
	DialogueChat     DialogueMode = "chat"
	DialogueStory    DialogueMode = "story"
	DialogueGame     DialogueMode = "game"
	DialogueCoaching DialogueMode = "coaching"
	DialogueRepair   DialogueMode = "repair"
	DialogueBedtime  DialogueMode = "bedtime"
	DialogueBreak    DialogueMode = "break"
)

type Prosody string

const (
	ProsodyCalm     Prosody = "calm"
	ProsodyExcited  Prosody = "excited"
	ProsodySoothing Prosody = "soothing"
	ProsodySinging  Prosody = "singing"
	ProsodyNeutral  Prosody = "neutral"
)

// Decision is the output of the dialogue orchestrator for one turn.
type Decision struct {
	Mode        DialogueMode `json:"mode"`
	TokMax      int          `json:"tok_max"`
	NeedClarify bool         `json:"need_clarify"`
	Prosody     Prosody      `json:"prosody"`
}

// DailyTelemetry is persisted once per local calendar day.
type DailyTelemetry struct {
	Date          string `json:"date"`
	SecondsSpoken int    `json:"seconds_spoken"`
	SessionsCount int    `json:"sessions_count"`
	LastBreakTime int64  `json:"last_break_time"` // epoch ms
}

// UsageRules are configured by a parent.
type UsageRules struct {
	Timezone         string `json:"timezone"`
	DailyLimitMin    int    `json:"daily_limit_min"`
	BreakIntervalMin int    `json:"break_interval_min"`
	BedtimeStart     string `json:"bedtime_start"` // HH:MM
	BedtimeEnd       string `json:"bedtime_end"`   // HH:MM, may be earlier than start
}

// LockState holds the guardian locks as epoch milliseconds.
type LockState struct {
	MicLockedUntil   int64  `json:"mic_locked_until"`
	BreakLockedUntil int64  `json:"break_locked_until"`
	Reason           string `json:"reason,omitempty"`
}

// Profile describes the child the companion is talking to.
type Profile struct {
	Name      string   `json:"name"`
	Age       int      `json:"age"`
	Language  string   `json:"language"`
	Interests []string `json:"interests,omitempty"`
}

// Exchange is one user utterance and the companion's reply.
type Exchange struct {
	User      string    `json:"user"`
	Assistant string    `json:"assistant"`
	At        time.Time `json:"at"`
}

// LearningMemory is the per-child memory record. Topic counts and the
// preferred-length average are maintained outside the turn engine.
type LearningMemory struct {
	Topics             map[string]int `json:"topics,omitempty"`
	PreferredLengthAvg float64        `json:"preferred_length_avg"`
	Transcript         []Exchange     `json:"transcript"`
}

type Event struct {
	ID      string         `json:"id"`
	Type    string         `json:"type"`
	Ts      time.Time      `json:"timestamp"`
	Payload map[string]any `json:"payload,omitempty"`
}
