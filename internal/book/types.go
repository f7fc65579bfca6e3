package book

// Project is a narration project: an ordered set of chapters plus the
// speaker roster segments resolve against at render time.
type Project struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Speakers []Speaker `json:"speakers"`
	Chapters []Chapter `json:"chapters"`
}

// Speaker binds a project-local speaker id to a backend voice.
type Speaker struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	VoiceID string `json:"voiceId"`
	Model   string `json:"model"`
}

// Chapter holds the chunked text of one source chapter.
type Chapter struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Order    int       `json:"order"`
	Segments []Segment `json:"segments"`
}

// Segment is one narratable chunk of chapter text. Order is dense and
// zero-based within its chapter.
type Segment struct {
	ChapterID      string   `json:"chapterId"`
	Order          int      `json:"order"`
	SpeakerID      string   `json:"speakerId"`
	Text           string   `json:"text"`
	ExpressionTags []string `json:"expressionTags,omitempty"`
	EstDurationSec float64  `json:"estDurationSec"`
}

// SpeakerByID looks up a speaker on the roster.
func (p *Project) SpeakerByID(id string) (Speaker, bool) {
	for _, s := range p.Speakers {
		if s.ID == id {
			return s, true
		}
	}
	return Speaker{}, false
}

// AllSegments returns every segment across chapters in chapter order.
func (p *Project) AllSegments() []Segment {
	var out []Segment
	for _, ch := range p.Chapters {
		out = append(out, ch.Segments...)
	}
	return out
}
