package protocol

// Emission is one output of a parser transition. The caller routes each
// variant: text to the event stream, actions to the scheduler, feed and
// metadata payloads to their engines, malformations to the soft-error path.
type Emission interface{ isEmission() }

// ThoughtText is a run of thought content.
type ThoughtText struct {
	Text string
}

// ResponseText is a run of response content. Final carries the flag of the
// enclosing <response> tag after first-final-wins downgrading.
type ResponseText struct {
	Text  string
	Final bool
}

// ActionParsed hands a validated descriptor to the scheduler.
type ActionParsed struct {
	Action *Action
}

// FeedOverride records a <context_feed> body as the feed's current value.
type FeedOverride struct {
	FeedID string
	Body   string
}

// MetadataPayload is the raw body of a <metadata> tag.
type MetadataPayload struct {
	Raw string
}

// Malformed reports a protocol soft error. Code values come from the event
// package's soft-error codes.
type Malformed struct {
	Code    string
	Message string
	Detail  string
}

func (ThoughtText) isEmission()     {}
func (ResponseText) isEmission()    {}
func (ActionParsed) isEmission()    {}
func (FeedOverride) isEmission()    {}
func (MetadataPayload) isEmission() {}
func (Malformed) isEmission()       {}
