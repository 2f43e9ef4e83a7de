// Package metrics defines the typed event records emitted for every
// lifecycle point of an agent run, the never-fail emitter that writes
// them to the structured log, and the asynchronous pipeline that
// persists them to an event store.
package metrics

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Kind discriminates event variants. It doubles as the `event` field of
// every serialized record so each log line is self-describing.
type Kind string

const (
	KindLLMStart          Kind = "llm.start"
	KindLLMUsage          Kind = "llm.usage"
	KindLLMEnd            Kind = "llm.end"
	KindLLMError          Kind = "llm.error"
	KindToolStart         Kind = "tool.start"
	KindToolEnd           Kind = "tool.end"
	KindToolError         Kind = "tool.error"
	KindAgentStart        Kind = "agent.start"
	KindAgentEnd          Kind = "agent.end"
	KindAgentTokenSummary Kind = "agent.tokens_summary"
	KindAgentIteration    Kind = "agent.iteration"
	KindBatchStart        Kind = "batch.start"
	KindBatchEnd          Kind = "batch.end"
	KindBatchDiscovery    Kind = "batch.discovery"
	KindHandleOpen        Kind = "handle.open"
	KindHandleClose       Kind = "handle.close"
)

// Status values for terminal events.
const (
	StatusOK        = "ok"
	StatusError     = "error"
	StatusCancelled = "cancelled"
)

var ErrMissingRunID = errors.New("metric event requires a run id")

// Event is one structured lifecycle record. Variants are constructed
// through New* functions which validate eagerly: a malformed event
// fails at construction, never at emission.
type Event interface {
	EventKind() Kind
	EventRunID() string
	EventTime() time.Time
	Validate() error
}

// Base carries the fields shared by every variant.
type Base struct {
	Event     Kind      `json:"event"`
	RunID     string    `json:"run_id"`
	Timestamp time.Time `json:"timestamp"`
}

func newBase(kind Kind, runID string) Base {
	return Base{Event: kind, RunID: runID, Timestamp: time.Now().UTC()}
}

func (b Base) EventKind() Kind      { return b.Event }
func (b Base) EventRunID() string   { return b.RunID }
func (b Base) EventTime() time.Time { return b.Timestamp }

func (b Base) validateBase() error {
	if b.Event == "" {
		return errors.New("metric event requires a kind")
	}
	if b.RunID == "" {
		return ErrMissingRunID
	}
	if b.Timestamp.IsZero() {
		return errors.New("metric event requires a timestamp")
	}
	return nil
}

func validateStatus(status string) error {
	switch status {
	case StatusOK, StatusError, StatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid event status %q", status)
	}
}

// Encode serializes an event as one self-contained JSON line.
func Encode(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("cannot encode nil event")
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("encode %s event: %w", e.EventKind(), err)
	}
	return json.Marshal(e)
}

type LLMStart struct {
	Base
	Model        string `json:"model"`
	ModelVersion string `json:"model_version,omitempty"`
	PromptBytes  int    `json:"prompt_bytes"`
}

func NewLLMStart(runID, model, modelVersion string, promptBytes int) (*LLMStart, error) {
	e := &LLMStart{
		Base:         newBase(KindLLMStart, runID),
		Model:        model,
		ModelVersion: modelVersion,
		PromptBytes:  promptBytes,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *LLMStart) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.Model == "" {
		return errors.New("llm.start requires a model name")
	}
	if e.PromptBytes < 0 {
		return errors.New("llm.start prompt_bytes must be >= 0")
	}
	return nil
}

type LLMUsage struct {
	Base
	TokensPrompt     int `json:"tokens_prompt"`
	TokensCompletion int `json:"tokens_completion"`
	TokensTotal      int `json:"tokens_total"`
}

func NewLLMUsage(runID string, prompt, completion, total int) (*LLMUsage, error) {
	if total == 0 {
		total = prompt + completion
	}
	e := &LLMUsage{
		Base:             newBase(KindLLMUsage, runID),
		TokensPrompt:     prompt,
		TokensCompletion: completion,
		TokensTotal:      total,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *LLMUsage) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.TokensPrompt < 0 || e.TokensCompletion < 0 || e.TokensTotal < 0 {
		return errors.New("llm.usage token counts must be >= 0")
	}
	return nil
}

type LLMEnd struct {
	Base
	Status     string  `json:"status"`
	DurationMS float64 `json:"duration_ms"`
}

func NewLLMEnd(runID, status string, duration time.Duration) (*LLMEnd, error) {
	e := &LLMEnd{
		Base:       newBase(KindLLMEnd, runID),
		Status:     status,
		DurationMS: durationMS(duration),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *LLMEnd) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if err := validateStatus(e.Status); err != nil {
		return err
	}
	if e.DurationMS < 0 {
		return errors.New("llm.end duration_ms must be >= 0")
	}
	return nil
}

type LLMError struct {
	Base
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func NewLLMError(runID, errorKind, message string) (*LLMError, error) {
	e := &LLMError{
		Base:      newBase(KindLLMError, runID),
		ErrorKind: errorKind,
		Message:   message,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *LLMError) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ErrorKind == "" {
		return errors.New("llm.error requires an error kind")
	}
	return nil
}

type ToolStart struct {
	Base
	ToolName   string         `json:"tool_name"`
	InputBytes int            `json:"input_bytes"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func NewToolStart(runID, toolName string, inputBytes int, arguments map[string]any) (*ToolStart, error) {
	e := &ToolStart{
		Base:       newBase(KindToolStart, runID),
		ToolName:   toolName,
		InputBytes: inputBytes,
		Arguments:  arguments,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ToolStart) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ToolName == "" {
		return errors.New("tool.start requires a tool name")
	}
	if e.InputBytes < 0 {
		return errors.New("tool.start input_bytes must be >= 0")
	}
	return nil
}

type ToolEnd struct {
	Base
	ToolName      string  `json:"tool_name"`
	Status        string  `json:"status"`
	DurationMS    float64 `json:"duration_ms"`
	OutputBytes   int     `json:"output_bytes"`
	ResultSummary string  `json:"result_summary,omitempty"`
}

func NewToolEnd(runID, toolName, status string, duration time.Duration, outputBytes int, resultSummary string) (*ToolEnd, error) {
	e := &ToolEnd{
		Base:          newBase(KindToolEnd, runID),
		ToolName:      toolName,
		Status:        status,
		DurationMS:    durationMS(duration),
		OutputBytes:   outputBytes,
		ResultSummary: resultSummary,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ToolEnd) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ToolName == "" {
		return errors.New("tool.end requires a tool name")
	}
	if err := validateStatus(e.Status); err != nil {
		return err
	}
	if e.DurationMS < 0 || e.OutputBytes < 0 {
		return errors.New("tool.end duration_ms and output_bytes must be >= 0")
	}
	return nil
}

type ToolError struct {
	Base
	ToolName  string `json:"tool_name"`
	ErrorKind string `json:"error_kind"`
	Message   string `json:"message"`
}

func NewToolError(runID, toolName, errorKind, message string) (*ToolError, error) {
	e := &ToolError{
		Base:      newBase(KindToolError, runID),
		ToolName:  toolName,
		ErrorKind: errorKind,
		Message:   message,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *ToolError) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.ToolName == "" {
		return errors.New("tool.error requires a tool name")
	}
	if e.ErrorKind == "" {
		return errors.New("tool.error requires an error kind")
	}
	return nil
}

type AgentStart struct {
	Base
	InputKeys  []string       `json:"input_keys"`
	InputSizes map[string]int `json:"input_sizes,omitempty"`
}

func NewAgentStart(runID string, inputKeys []string, inputSizes map[string]int) (*AgentStart, error) {
	e := &AgentStart{
		Base:       newBase(KindAgentStart, runID),
		InputKeys:  inputKeys,
		InputSizes: inputSizes,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AgentStart) Validate() error {
	return e.validateBase()
}

type AgentEnd struct {
	Base
	Status      string         `json:"status"`
	DurationMS  float64        `json:"duration_ms"`
	OutputKeys  []string       `json:"output_keys"`
	OutputSizes map[string]int `json:"output_sizes,omitempty"`
}

func NewAgentEnd(runID, status string, duration time.Duration, outputKeys []string, outputSizes map[string]int) (*AgentEnd, error) {
	e := &AgentEnd{
		Base:        newBase(KindAgentEnd, runID),
		Status:      status,
		DurationMS:  durationMS(duration),
		OutputKeys:  outputKeys,
		OutputSizes: outputSizes,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AgentEnd) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if err := validateStatus(e.Status); err != nil {
		return err
	}
	if e.DurationMS < 0 {
		return errors.New("agent.end duration_ms must be >= 0")
	}
	return nil
}

type AgentTokenSummary struct {
	Base
	TokensBillableEstimate int `json:"tokens_billable_estimate"`
	TokensSuccessful       int `json:"tokens_successful"`
}

func NewAgentTokenSummary(runID string, billableEstimate, successful int) (*AgentTokenSummary, error) {
	e := &AgentTokenSummary{
		Base:                   newBase(KindAgentTokenSummary, runID),
		TokensBillableEstimate: billableEstimate,
		TokensSuccessful:       successful,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AgentTokenSummary) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.TokensBillableEstimate < 0 || e.TokensSuccessful < 0 {
		return errors.New("agent.tokens_summary counts must be >= 0")
	}
	if e.TokensSuccessful > e.TokensBillableEstimate {
		return errors.New("agent.tokens_summary successful tokens cannot exceed billable estimate")
	}
	return nil
}

// AgentIteration is reasoning-trace detail, emitted only at the highest
// verbosity.
type AgentIteration struct {
	Base
	IterationNumber    int    `json:"iteration_number"`
	ActionKind         string `json:"action_kind"`
	ActionSummary      string `json:"action_summary,omitempty"`
	ObservationSummary string `json:"observation_summary,omitempty"`
}

func NewAgentIteration(runID string, iteration int, actionKind, actionSummary, observationSummary string) (*AgentIteration, error) {
	e := &AgentIteration{
		Base:               newBase(KindAgentIteration, runID),
		IterationNumber:    iteration,
		ActionKind:         actionKind,
		ActionSummary:      actionSummary,
		ObservationSummary: observationSummary,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *AgentIteration) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.IterationNumber <= 0 {
		return errors.New("agent.iteration iteration_number must be > 0")
	}
	if e.ActionKind == "" {
		return errors.New("agent.iteration requires an action kind")
	}
	return nil
}

type BatchStart struct {
	Base
	BatchNumber  int `json:"batch_number"`
	PlannedLines int `json:"planned_lines"`
}

func NewBatchStart(runID string, batchNumber, plannedLines int) (*BatchStart, error) {
	e := &BatchStart{
		Base:         newBase(KindBatchStart, runID),
		BatchNumber:  batchNumber,
		PlannedLines: plannedLines,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *BatchStart) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.BatchNumber <= 0 {
		return errors.New("batch.start batch_number must be > 0")
	}
	if e.PlannedLines < 0 {
		return errors.New("batch.start planned_lines must be >= 0")
	}
	return nil
}

type BatchEnd struct {
	Base
	BatchNumber     int     `json:"batch_number"`
	LinesRead       int     `json:"lines_read"`
	CumulativeLines int     `json:"cumulative_lines"`
	DurationMS      float64 `json:"duration_ms"`
}

func NewBatchEnd(runID string, batchNumber, linesRead, cumulativeLines int, duration time.Duration) (*BatchEnd, error) {
	e := &BatchEnd{
		Base:            newBase(KindBatchEnd, runID),
		BatchNumber:     batchNumber,
		LinesRead:       linesRead,
		CumulativeLines: cumulativeLines,
		DurationMS:      durationMS(duration),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *BatchEnd) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.BatchNumber <= 0 {
		return errors.New("batch.end batch_number must be > 0")
	}
	if e.LinesRead < 0 || e.CumulativeLines < e.LinesRead || e.DurationMS < 0 {
		return errors.New("batch.end line counts and duration must be consistent")
	}
	return nil
}

type BatchDiscovery struct {
	Base
	BatchNumber int `json:"batch_number"`
	NewLogTypes int `json:"new_log_types"`
	NewFields   int `json:"new_fields"`
}

func NewBatchDiscovery(runID string, batchNumber, newLogTypes, newFields int) (*BatchDiscovery, error) {
	e := &BatchDiscovery{
		Base:        newBase(KindBatchDiscovery, runID),
		BatchNumber: batchNumber,
		NewLogTypes: newLogTypes,
		NewFields:   newFields,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *BatchDiscovery) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.BatchNumber <= 0 {
		return errors.New("batch.discovery batch_number must be > 0")
	}
	if e.NewLogTypes < 0 || e.NewFields < 0 {
		return errors.New("batch.discovery counts must be >= 0")
	}
	return nil
}

type HandleOpen struct {
	Base
	HandleID   string `json:"handle_id"`
	Path       string `json:"path"`
	TotalLines int    `json:"total_lines,omitempty"`
}

func NewHandleOpen(runID, handleID, path string, totalLines int) (*HandleOpen, error) {
	e := &HandleOpen{
		Base:       newBase(KindHandleOpen, runID),
		HandleID:   handleID,
		Path:       path,
		TotalLines: totalLines,
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *HandleOpen) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.HandleID == "" || e.Path == "" {
		return errors.New("handle.open requires a handle id and path")
	}
	if e.TotalLines < 0 {
		return errors.New("handle.open total_lines must be >= 0")
	}
	return nil
}

type HandleClose struct {
	Base
	HandleID   string  `json:"handle_id"`
	LinesRead  int     `json:"lines_read"`
	DurationMS float64 `json:"duration_ms"`
}

func NewHandleClose(runID, handleID string, linesRead int, openDuration time.Duration) (*HandleClose, error) {
	e := &HandleClose{
		Base:       newBase(KindHandleClose, runID),
		HandleID:   handleID,
		LinesRead:  linesRead,
		DurationMS: durationMS(openDuration),
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *HandleClose) Validate() error {
	if err := e.validateBase(); err != nil {
		return err
	}
	if e.HandleID == "" {
		return errors.New("handle.close requires a handle id")
	}
	if e.LinesRead < 0 || e.DurationMS < 0 {
		return errors.New("handle.close lines_read and duration_ms must be >= 0")
	}
	return nil
}

func durationMS(d time.Duration) float64 {
	if d < 0 {
		return 0
	}
	return float64(d) / float64(time.Millisecond)
}
