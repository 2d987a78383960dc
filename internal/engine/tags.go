package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cdk/internal/domain"
	"cdk/internal/repo"
)

const maxTagName = 20

func (e Engine) ListTags(ctx context.Context) ([]string, error) {
	tags, err := e.Repo.ListTags(ctx)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}

// CreateTag adds a name to the tag catalogue.
func (e Engine) CreateTag(ctx context.Context, userID int64, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxTagName {
		return "", ValidationError{Field: "name", Message: fmt.Sprintf("must be 1 to %d characters", maxTagName)}
	}
	if _, err := e.loadUser(ctx, nil, userID); err != nil {
		return "", err
	}
	err := e.Repo.InsertTag(ctx, nil, name, userID, e.now())
	if errors.Is(err, repo.ErrDuplicate) {
		return "", refusal(domain.ReasonTagExists, fmt.Sprintf("tag %q already exists", name))
	}
	if err != nil {
		return "", fmt.Errorf("insert tag: %w", err)
	}
	return name, nil
}
