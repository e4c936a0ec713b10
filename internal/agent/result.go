package agent

// RunResult is the structured outcome of one run, single-step or plan-driven.
type RunResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Text    string `json:"text,omitempty"`

	ImageURL     string       `json:"imageUrl,omitempty"`
	ImageCaption string       `json:"imageCaption,omitempty"`
	VideoURL     string       `json:"videoUrl,omitempty"`
	VideoCaption string       `json:"videoCaption,omitempty"`
	AudioURL     string       `json:"audioUrl,omitempty"`
	Poll         *PollAsset   `json:"poll,omitempty"`
	Latitude     *float64     `json:"latitude,omitempty"`
	Longitude    *float64     `json:"longitude,omitempty"`
	LocationInfo string       `json:"locationInfo,omitempty"`

	ToolsUsed   []string               `json:"toolsUsed,omitempty"`
	Iterations  int                    `json:"iterations"`
	ToolCalls   []ToolCallRecord       `json:"toolCalls,omitempty"`
	ToolResults map[string]*ToolResult `json:"toolResults,omitempty"`

	MultiStep      bool  `json:"multiStep"`
	Plan           *Plan `json:"plan,omitempty"`
	StepsCompleted int   `json:"stepsCompleted,omitempty"`
	TotalSteps     int   `json:"totalSteps,omitempty"`
	// AlreadySent means delivery happened during execution (per step) and the
	// caller must not render this result to the channel again.
	AlreadySent bool `json:"alreadySent,omitempty"`
}
