package render

import (
	"errors"
	"fmt"
	"sort"

	"github.com/talecast-labs/talecast-core/internal/book"
	"github.com/talecast-labs/talecast-core/internal/chunker"
	"github.com/talecast-labs/talecast-core/internal/protocol"
)

// BuildProject turns an upsert request into a stored project: chapters are
// sorted by order and their raw text chunked into speech segments. Every
// chapter must name a speaker present on the roster.
func BuildProject(req protocol.ProjectUpsertRequest, defaultMaxChars int) (book.Project, error) {
	if req.ProjectID == "" {
		return book.Project{}, errors.New("project id required")
	}
	if len(req.Chapters) == 0 {
		return book.Project{}, fmt.Errorf("project %s has no chapters", req.ProjectID)
	}

	maxChars := req.MaxSegmentChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}

	project := book.Project{
		ID:    req.ProjectID,
		Title: req.Title,
	}
	for _, sp := range req.Speakers {
		project.Speakers = append(project.Speakers, book.Speaker{
			ID:      sp.ID,
			Name:    sp.Name,
			VoiceID: sp.VoiceID,
			Model:   sp.Model,
		})
	}

	chapters := append([]protocol.ChapterSpec(nil), req.Chapters...)
	sort.SliceStable(chapters, func(i, j int) bool { return chapters[i].Order < chapters[j].Order })

	for _, ch := range chapters {
		if _, ok := project.SpeakerByID(ch.SpeakerID); !ok {
			return book.Project{}, fmt.Errorf("speaker %q missing for chapter %s", ch.SpeakerID, ch.ID)
		}
		segments := chunker.Chunk(ch.Text, maxChars)
		for i := range segments {
			segments[i].ChapterID = ch.ID
			segments[i].SpeakerID = ch.SpeakerID
		}
		project.Chapters = append(project.Chapters, book.Chapter{
			ID:       ch.ID,
			Title:    ch.Title,
			Order:    ch.Order,
			Segments: segments,
		})
	}
	return project, nil
}
