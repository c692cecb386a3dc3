// Package catalogseed loads curator stories from YAML files into a store.
package catalogseed

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/MarkoPoloResearchLab/storyunlock/pkg/unlock"
	"gopkg.in/yaml.v3"
)

// ErrInvalidCatalog reports a seed file that cannot be imported.
var ErrInvalidCatalog = errors.New("invalid catalog file")

// StoryUpserter persists catalog stories.
type StoryUpserter interface {
	UpsertStories(ctx context.Context, stories []unlock.Story) error
}

type storyEntry struct {
	StoryID     string `yaml:"storyId"`
	CategoryID  string `yaml:"categoryId"`
	CharacterID string `yaml:"characterId"`
	AuthorID    string `yaml:"authorId"`
	AuthorRole  string `yaml:"authorRole"`
	Title       string `yaml:"title"`
	Content     string `yaml:"content"`
}

type catalogFile struct {
	Stories []storyEntry `yaml:"stories"`
}

// LoadFile reads and validates the stories in path.
func LoadFile(path string) ([]unlock.Story, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", path, err)
	}
	stories, err := Load(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return stories, nil
}

// Load decodes a catalog document. Author role defaults to curator.
func Load(reader io.Reader) ([]unlock.Story, error) {
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	var document catalogFile
	if err := decoder.Decode(&document); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: empty document", ErrInvalidCatalog)
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidCatalog, err)
	}

	stories := make([]unlock.Story, 0, len(document.Stories))
	seen := make(map[string]int, len(document.Stories))
	for index, entry := range document.Stories {
		story, err := entry.toStory()
		if err != nil {
			return nil, fmt.Errorf("%w: story at index %d: %w", ErrInvalidCatalog, index, err)
		}
		if previous, ok := seen[story.StoryID.String()]; ok {
			return nil, fmt.Errorf("%w: story %q repeated at index %d and %d", ErrInvalidCatalog, story.StoryID.String(), previous, index)
		}
		seen[story.StoryID.String()] = index
		stories = append(stories, story)
	}
	return stories, nil
}

// Import loads path and upserts its stories, returning how many were written.
func Import(ctx context.Context, upserter StoryUpserter, path string) (int, error) {
	stories, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	if err := upserter.UpsertStories(ctx, stories); err != nil {
		return 0, fmt.Errorf("upsert stories: %w", err)
	}
	return len(stories), nil
}

func (entry storyEntry) toStory() (unlock.Story, error) {
	storyID, err := unlock.NewStoryID(entry.StoryID)
	if err != nil {
		return unlock.Story{}, err
	}
	categoryID, err := unlock.NewCategoryID(entry.CategoryID)
	if err != nil {
		return unlock.Story{}, err
	}
	characterID, err := unlock.NewCharacterID(entry.CharacterID)
	if err != nil {
		return unlock.Story{}, err
	}
	role := unlock.AuthorRoleCurator
	if strings.TrimSpace(entry.AuthorRole) != "" {
		role, err = unlock.ParseAuthorRole(entry.AuthorRole)
		if err != nil {
			return unlock.Story{}, err
		}
	}
	if strings.TrimSpace(entry.Title) == "" {
		return unlock.Story{}, fmt.Errorf("missing title")
	}
	return unlock.Story{
		StoryID:     storyID,
		CategoryID:  categoryID,
		CharacterID: characterID,
		AuthorID:    strings.TrimSpace(entry.AuthorID),
		AuthorRole:  role,
		Title:       strings.TrimSpace(entry.Title),
		Content:     entry.Content,
	}, nil
}
