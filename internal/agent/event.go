package agent

import (
	"encoding/json"

	"github.com/nugget/mimir/internal/marker"
)

// EventType discriminates the events of a turn.
type EventType string

const (
	EventStatus        EventType = "status"
	EventResponseChunk EventType = "response_chunk"
	EventToolCall      EventType = "tool_call"
	EventAudioChunk    EventType = "audio_chunk"
	EventResponse      EventType = "response"
	EventError         EventType = "error"
)

// ToolResult pairs a tool with what it returned.
type ToolResult struct {
	Tool   string `json:"tool"`
	Result any    `json:"result"`
}

// Event is one item of a turn's output stream. Which fields are set
// depends on Type; MarshalJSON writes only those.
type Event struct {
	Type EventType

	// Content is the message of status and error events.
	Content string

	// Text is the visible text of response_chunk and response events.
	Text string

	// Tool and Params describe a tool_call event.
	Tool   string
	Params marker.Params

	// Audio is base64 audio of an audio_chunk event, numbered by Seq
	// from zero in sentence order.
	Audio string
	Seq   int

	// ToolsUsed and ToolResults summarise a response event.
	ToolsUsed   []string
	ToolResults []ToolResult
}

// Terminal reports whether e ends the turn.
func (e Event) Terminal() bool {
	return e.Type == EventResponse || e.Type == EventError
}

// StatusEvent returns a status event.
func StatusEvent(msg string) Event { return Event{Type: EventStatus, Content: msg} }

// ChunkEvent returns a response_chunk event.
func ChunkEvent(text string) Event { return Event{Type: EventResponseChunk, Text: text} }

// ErrorEvent returns an error event.
func ErrorEvent(msg string) Event { return Event{Type: EventError, Content: msg} }

// MarshalJSON encodes the event in its wire shape.
func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventStatus, EventError:
		return json.Marshal(struct {
			Type    EventType `json:"type"`
			Content string    `json:"content"`
		}{e.Type, e.Content})
	case EventResponseChunk:
		return json.Marshal(struct {
			Type EventType `json:"type"`
			Text string    `json:"text"`
		}{e.Type, e.Text})
	case EventToolCall:
		params := e.Params
		if params == nil {
			params = marker.Params{}
		}
		return json.Marshal(struct {
			Type   EventType     `json:"type"`
			Tool   string        `json:"tool"`
			Params marker.Params `json:"params"`
		}{e.Type, e.Tool, params})
	case EventAudioChunk:
		return json.Marshal(struct {
			Type  EventType `json:"type"`
			Audio string    `json:"audio_base64"`
			Seq   int       `json:"seq"`
		}{e.Type, e.Audio, e.Seq})
	case EventResponse:
		used, results := e.ToolsUsed, e.ToolResults
		if used == nil {
			used = []string{}
		}
		if results == nil {
			results = []ToolResult{}
		}
		return json.Marshal(struct {
			Type        EventType    `json:"type"`
			Text        string       `json:"text"`
			ToolsUsed   []string     `json:"tools_used"`
			ToolResults []ToolResult `json:"tool_results"`
		}{e.Type, e.Text, used, results})
	default:
		return json.Marshal(struct {
			Type EventType `json:"type"`
		}{e.Type})
	}
}
