// Package protocol implements the incremental parser for the LLM response
// protocol: an XML-like tag stream carrying thoughts, responses, actions,
// context-feed overrides, and metadata. The parser is a resumable state
// machine fed UTF-8 chunks of arbitrary size; tags may straddle chunk
// boundaries.
package protocol

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"

	"cortex/internal/engine/event"
)

type state int

const (
	stateOutside state = iota
	stateThought
	stateResponse
	stateAction
	stateActionInThought
	stateContextFeed
	stateMetadata
)

const (
	tagThought     = "thought"
	tagResponse    = "response"
	tagAction      = "action"
	tagContextFeed = "context_feed"
	tagMetadata    = "metadata"
)

// A tag longer than this cannot be a tag; the pending '<' is flushed as
// content instead of buffering forever.
const maxTagLen = 1024

// Retry counts above this are clamped.
const maxRetry = 5

// Parser consumes one iteration's LLM stream. It is not safe for concurrent
// use; the iteration controller owns it.
type Parser struct {
	iteration int

	state   state
	buf     string          // undisambiguated input tail
	body    strings.Builder // action/context_feed/metadata body accumulator
	discard bool            // open body tag was rejected; consume and drop

	openAttrs map[string]string // attributes of the open action/feed tag

	respFinal   bool   // final flag of the open <response>
	respDiscard bool   // open <response> was rejected
	respHold    string // trailing text that may begin a $reference

	finalSeen   bool
	sawResponse bool

	seenIDs map[string]bool
	index   int

	out []Emission
}

// New returns a parser for the given iteration number (1-based).
func New(iteration int) *Parser {
	return &Parser{
		iteration: iteration,
		seenIDs:   make(map[string]bool),
	}
}

// FinalSeen reports whether a response tag with final="true" was accepted.
func (p *Parser) FinalSeen() bool { return p.finalSeen }

// SawResponse reports whether any response tag was accepted this iteration.
func (p *Parser) SawResponse() bool { return p.sawResponse }

// ActionCount returns how many action descriptors were accepted.
func (p *Parser) ActionCount() int { return p.index }

// Feed consumes the next chunk and returns the emissions it produced.
func (p *Parser) Feed(chunk string) []Emission {
	p.buf += chunk
	p.scan()
	return p.drain()
}

// Close ends the stream. Any non-OUTSIDE state is force-closed with a soft
// error; partially buffered tags are dropped.
func (p *Parser) Close() []Emission {
	if p.inBody() {
		p.body.WriteString(p.buf)
		p.buf = ""
	}

	switch p.state {
	case stateOutside:
		if p.buf != "" {
			p.malformed(event.CodeUnterminated, "stream ended inside a partial tag", clip(p.buf))
			p.buf = ""
		}
	case stateThought:
		p.unterminated(tagThought)
	case stateResponse:
		p.flushResponseHold()
		p.unterminated(tagResponse)
		p.respDiscard = false
	case stateAction, stateActionInThought:
		p.unterminated(tagAction)
		p.resetBody()
	case stateContextFeed:
		p.unterminated(tagContextFeed)
		p.resetBody()
	case stateMetadata:
		p.unterminated(tagMetadata)
		p.resetBody()
	}
	p.state = stateOutside
	return p.drain()
}

func (p *Parser) unterminated(tag string) {
	p.malformed(event.CodeUnterminated, "stream ended inside <"+tag+">; forced close", clip(p.buf))
	p.buf = ""
}

func (p *Parser) drain() []Emission {
	out := p.out
	p.out = nil
	return out
}

func (p *Parser) inBody() bool {
	switch p.state {
	case stateAction, stateActionInThought, stateContextFeed, stateMetadata:
		return true
	}
	return false
}

func (p *Parser) scan() {
	for {
		if p.inBody() {
			if !p.scanBody() {
				return
			}
			continue
		}
		if !p.scanText() {
			return
		}
	}
}

// scanBody accumulates raw body text until the matching close tag. Inside a
// body only that close tag is significant: action parameters may legally
// contain '<'. Returns false when more input is needed.
func (p *Parser) scanBody() bool {
	closeTag := "</" + p.bodyTag() + ">"
	if idx := strings.Index(p.buf, closeTag); idx >= 0 {
		p.body.WriteString(p.buf[:idx])
		p.buf = p.buf[idx+len(closeTag):]
		p.closeBody()
		return true
	}

	// Keep only a tail that could still start the close tag.
	keep := 0
	max := len(closeTag) - 1
	if max > len(p.buf) {
		max = len(p.buf)
	}
	for k := max; k > 0; k-- {
		if strings.HasSuffix(p.buf, closeTag[:k]) {
			keep = k
			break
		}
	}
	p.body.WriteString(p.buf[:len(p.buf)-keep])
	p.buf = p.buf[len(p.buf)-keep:]
	return false
}

func (p *Parser) bodyTag() string {
	switch p.state {
	case stateAction, stateActionInThought:
		return tagAction
	case stateContextFeed:
		return tagContextFeed
	default:
		return tagMetadata
	}
}

// scanText processes content states (OUTSIDE, IN_THOUGHT, IN_RESPONSE).
// Returns false when more input is needed.
func (p *Parser) scanText() bool {
	i := strings.IndexByte(p.buf, '<')
	if i < 0 {
		if p.buf != "" {
			p.content(p.buf)
			p.buf = ""
		}
		return false
	}
	if i > 0 {
		p.content(p.buf[:i])
		p.buf = p.buf[i:]
	}

	// p.buf starts with '<'. Disambiguate: tag or literal.
	if len(p.buf) < 2 {
		return false
	}
	if c := p.buf[1]; !isWordByte(c) && c != '/' {
		p.content("<")
		p.buf = p.buf[1:]
		return true
	}

	m := tagPattern.FindStringSubmatch(p.buf)
	if m == nil {
		if strings.IndexByte(p.buf, '>') >= 0 || len(p.buf) > maxTagLen {
			// Cannot be a tag after all.
			p.content("<")
			p.buf = p.buf[1:]
			return true
		}
		return false
	}

	p.buf = p.buf[len(m[0]):]
	p.handleTag(m[1] == "/", m[2], m[3], m[0])
	return true
}

func (p *Parser) handleTag(closing bool, name, attrText, raw string) {
	known := name == tagThought || name == tagResponse || name == tagAction ||
		name == tagContextFeed || name == tagMetadata
	if !known {
		p.malformed(event.CodeUnknownTag, "unknown tag <"+name+">", raw)
		return
	}

	switch p.state {
	case stateOutside:
		if closing {
			p.malformed(event.CodeMisplacedTag, "closing </"+name+"> without an open tag", raw)
			return
		}
		p.openTag(name, attrText, raw, false)

	case stateThought:
		switch {
		case closing && name == tagThought:
			p.state = stateOutside
		case !closing && name == tagAction:
			p.openAction(attrText, raw, true)
		default:
			p.malformed(event.CodeMisplacedTag, "<"+name+"> is not valid inside <thought>", raw)
		}

	case stateResponse:
		if closing && name == tagResponse {
			p.flushResponseHold()
			p.state = stateOutside
			p.respDiscard = false
			return
		}
		p.malformed(event.CodeMisplacedTag, "<"+name+"> is not valid inside <response>", raw)
	}
}

func (p *Parser) openTag(name, attrText, raw string, inThought bool) {
	switch name {
	case tagThought:
		p.state = stateThought

	case tagResponse:
		attrs := parseAttrs(attrText)
		final := true
		if v, ok := attrs["final"]; ok {
			switch strings.ToLower(v) {
			case "true":
				final = true
			case "false":
				final = false
			default:
				p.malformed(event.CodeMalformedTag, "response final attribute must be true or false", raw)
				p.state = stateResponse
				p.respDiscard = true
				return
			}
		}
		if final && p.finalSeen {
			// First final response wins; this one streams as non-final.
			p.malformed(event.CodeSecondFinal, "a final response was already declared; treating this one as partial", raw)
			final = false
		}
		if final {
			p.finalSeen = true
		}
		p.state = stateResponse
		p.respFinal = final
		p.respDiscard = false
		p.sawResponse = true

	case tagAction:
		p.openAction(attrText, raw, inThought)

	case tagContextFeed:
		attrs := parseAttrs(attrText)
		if attrs["id"] == "" {
			p.malformed(event.CodeMalformedTag, "context_feed requires an id attribute", raw)
			p.discard = true
		}
		p.openAttrs = attrs
		p.state = stateContextFeed

	case tagMetadata:
		p.state = stateMetadata
	}
}

func (p *Parser) openAction(attrText, raw string, inThought bool) {
	attrs := parseAttrs(attrText)

	kind := ActionKind(attrs["type"])
	if attrs["type"] == "" {
		kind = KindTool
	}
	mode := ActionMode(attrs["mode"])
	if attrs["mode"] == "" {
		mode = ModeSync
	}

	bad := ""
	switch {
	case !validKind(kind):
		bad = "unknown action type " + attrs["type"]
	case !validMode(mode):
		bad = "unknown action mode " + attrs["mode"]
	}

	id := attrs["id"]
	if id == "" {
		id = "act-" + uuid.NewString()[:8]
	}
	if bad == "" && p.seenIDs[id] {
		bad = "duplicate action id " + id
		p.malformed(event.CodeDuplicateAction, bad, raw)
		p.discard = true
	} else if bad != "" {
		p.malformed(event.CodeMalformedTag, bad, raw)
		p.discard = true
	}

	p.openAttrs = map[string]string{"id": id, "type": string(kind), "mode": string(mode)}
	if inThought {
		p.state = stateActionInThought
	} else {
		p.state = stateAction
	}
}

func (p *Parser) closeBody() {
	body := p.body.String()
	wasInThought := p.state == stateActionInThought
	prior := p.state
	p.resetBodyState(wasInThought)

	if p.discard {
		p.discard = false
		return
	}

	switch prior {
	case stateAction, stateActionInThought:
		p.finishAction(body, wasInThought)
	case stateContextFeed:
		p.out = append(p.out, FeedOverride{
			FeedID: p.openAttrs["id"],
			Body:   strings.TrimSpace(body),
		})
	case stateMetadata:
		p.out = append(p.out, MetadataPayload{Raw: strings.TrimSpace(body)})
	}
}

func (p *Parser) resetBodyState(wasInThought bool) {
	p.body.Reset()
	if wasInThought {
		p.state = stateThought
	} else {
		p.state = stateOutside
	}
}

func (p *Parser) resetBody() {
	p.body.Reset()
	p.discard = false
}

// wireAction mirrors the JSON body of an <action> tag.
type wireAction struct {
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
	OutputKey  string         `json:"output_key"`
	DependsOn  []string       `json:"depends_on"`
	Timeout    float64        `json:"timeout"` // seconds
	Retry      int            `json:"retry"`
	OnError    string         `json:"on_error"`
}

func (p *Parser) finishAction(body string, inThought bool) {
	var wire wireAction
	if err := json.Unmarshal([]byte(body), &wire); err != nil {
		repaired, repErr := jsonrepair.JSONRepair(body)
		if repErr != nil {
			p.malformed(event.CodeMalformedAction, "action body is not valid JSON", clip(body))
			return
		}
		if err := json.Unmarshal([]byte(repaired), &wire); err != nil {
			p.malformed(event.CodeMalformedAction, "action body is not valid JSON", clip(body))
			return
		}
	}

	if strings.TrimSpace(wire.Name) == "" {
		p.malformed(event.CodeMalformedAction, "action body requires a name", clip(body))
		return
	}

	policy := ErrorPolicy(wire.OnError)
	if wire.OnError == "" {
		policy = OnErrorCancel
	}
	if policy != OnErrorCancel && policy != OnErrorContinue {
		p.malformed(event.CodeMalformedAction, "on_error must be cancel or continue", clip(body))
		return
	}

	retry := wire.Retry
	if retry < 0 {
		retry = 0
	}
	if retry > maxRetry {
		retry = maxRetry
	}

	var timeout time.Duration
	if wire.Timeout > 0 {
		timeout = time.Duration(wire.Timeout * float64(time.Second))
	}

	params := wire.Parameters
	if params == nil {
		params = map[string]any{}
	}

	id := p.openAttrs["id"]
	p.seenIDs[id] = true

	action := &Action{
		ID:         id,
		Kind:       ActionKind(p.openAttrs["type"]),
		Mode:       ActionMode(p.openAttrs["mode"]),
		Name:       wire.Name,
		Parameters: params,
		OutputKey:  strings.TrimSpace(wire.OutputKey),
		DependsOn:  wire.DependsOn,
		Timeout:    timeout,
		Retry:      retry,
		OnError:    policy,
		InThought:  inThought,
		Index:      p.index,
		Iteration:  p.iteration,
	}
	p.index++
	p.out = append(p.out, ActionParsed{Action: action})
}

// content routes a text run according to the current state.
func (p *Parser) content(text string) {
	switch p.state {
	case stateThought:
		p.out = append(p.out, ThoughtText{Text: text})
	case stateResponse:
		if p.respDiscard {
			return
		}
		p.emitResponseText(text)
	default:
		if strings.TrimSpace(text) == "" {
			return
		}
		p.malformed(event.CodeStrayContent, "content outside any tag is discarded", clip(text))
	}
}

// emitResponseText emits response content while holding back a trailing run
// that may be the start of a $reference, so emitted runs never split one.
func (p *Parser) emitResponseText(text string) {
	text = p.respHold + text
	p.respHold = ""
	if loc := refTailPattern.FindStringIndex(text); loc != nil {
		p.respHold = text[loc[0]:]
		text = text[:loc[0]]
	}
	if text != "" {
		p.out = append(p.out, ResponseText{Text: text, Final: p.respFinal})
	}
}

func (p *Parser) flushResponseHold() {
	if p.respHold != "" && !p.respDiscard {
		p.out = append(p.out, ResponseText{Text: p.respHold, Final: p.respFinal})
	}
	p.respHold = ""
}

func (p *Parser) malformed(code, message, detail string) {
	p.out = append(p.out, Malformed{Code: code, Message: message, Detail: detail})
}

func clip(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > 160 {
		return s[:160] + "…"
	}
	return s
}

func isWordByte(c byte) bool {
	return c == '_' ||
		('a' <= c && c <= 'z') ||
		('A' <= c && c <= 'Z') ||
		('0' <= c && c <= '9')
}
