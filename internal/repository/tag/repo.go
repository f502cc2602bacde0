package tag

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/dbpg"

	"github.com/eventphoto/photo-pipeline/internal/model"
)

var ErrImageGone = errors.New("image no longer exists")

// Repository is the tag registry: canonical tag names plus image
// associations, both with race-safe get-or-create semantics.
type Repository struct {
	db *dbpg.DB
}

// NewRepository creates a new Repository with the given DB connection.
func NewRepository(db *dbpg.DB) *Repository {
	return &Repository{db: db}
}

// NormalizeName canonicalizes a tag name: trimmed, lower-cased, inner
// whitespace collapsed to single spaces.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}

// GetOrCreate returns the tag for the normalized name, creating it if
// missing. The conflict-tolerant insert makes concurrent creation of the
// same name converge to one row, whichever classifier gets there first.
func (r *Repository) GetOrCreate(ctx context.Context, name string) (model.Tag, error) {
	normalized := NormalizeName(name)
	if normalized == "" {
		return model.Tag{}, fmt.Errorf("tag: empty tag name")
	}

	// DO UPDATE instead of DO NOTHING so RETURNING yields a row on conflict.
	query := `
		INSERT INTO tags (id, name)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`

	var t model.Tag
	err := r.db.QueryRowContext(ctx, query, uuid.New(), normalized).Scan(&t.ID, &t.Name, &t.CreatedAt)
	if err != nil {
		return model.Tag{}, fmt.Errorf("tag: failed to get or create tag %q: %w", normalized, err)
	}

	return t, nil
}

// GetOrCreateAssociation links a tag to an image. A duplicate association is
// a no-op: the existing row is returned with created=false. If the image was
// deleted while the classifier ran, ErrImageGone is returned so callers can
// discard the result.
func (r *Repository) GetOrCreateAssociation(
	ctx context.Context,
	imageID, tagID uuid.UUID,
	provenance model.Provenance,
	addedBy *uuid.UUID,
) (model.TagAssociation, bool, error) {
	insert := `
		INSERT INTO image_tags (image_id, tag_id, provenance, added_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (image_id, tag_id) DO NOTHING
		RETURNING image_id, tag_id, provenance, added_by, added_at
	`

	var a model.TagAssociation
	err := r.db.QueryRowContext(ctx, insert, imageID, tagID, provenance, addedBy).Scan(
		&a.ImageID, &a.TagID, &a.Provenance, &a.AddedBy, &a.AddedAt,
	)
	if err == nil {
		return a, true, nil
	}

	if !errors.Is(err, sql.ErrNoRows) {
		// Insert errors here are almost always the image_id foreign key:
		// the image was deleted mid-flight. Confirm and report it as such.
		var exists bool
		checkErr := r.db.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, imageID,
		).Scan(&exists)
		if checkErr == nil && !exists {
			return model.TagAssociation{}, false, ErrImageGone
		}

		return model.TagAssociation{}, false, fmt.Errorf("tag: failed to create association: %w", err)
	}

	// Conflict path: the association already exists, re-read it.
	read := `
		SELECT image_id, tag_id, provenance, added_by, added_at
		FROM image_tags
		WHERE image_id = $1 AND tag_id = $2
	`

	err = r.db.QueryRowContext(ctx, read, imageID, tagID).Scan(
		&a.ImageID, &a.TagID, &a.Provenance, &a.AddedBy, &a.AddedAt,
	)
	if err != nil {
		return model.TagAssociation{}, false, fmt.Errorf("tag: failed to read existing association: %w", err)
	}

	return a, false, nil
}

// TagsByImage returns all tags associated with an image.
func (r *Repository) TagsByImage(ctx context.Context, imageID uuid.UUID) ([]model.Tag, error) {
	query := `
		SELECT t.id, t.name, t.created_at
		FROM tags t
		JOIN image_tags it ON it.tag_id = t.id
		WHERE it.image_id = $1
		ORDER BY t.name
	`

	rows, err := r.db.QueryContext(ctx, query, imageID)
	if err != nil {
		return nil, fmt.Errorf("tag: failed to query image tags: %w", err)
	}
	defer rows.Close()

	var tags []model.Tag
	for rows.Next() {
		var t model.Tag
		if err := rows.Scan(&t.ID, &t.Name, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("tag: failed to scan tag: %w", err)
		}
		tags = append(tags, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("tag: failed to iterate tags: %w", err)
	}

	return tags, nil
}
