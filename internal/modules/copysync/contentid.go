package copysync

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/types"
)

// contentFingerprint is the canonical serialization content ids are hashed
// from. Field order is fixed by the struct; slices are sorted before
// marshalling so the hash is independent of row ordering.
type contentFingerprint struct {
	Kind            string   `json:"kind"`
	Title           string   `json:"title"`
	Description     string   `json:"description"`
	FileChecksums   []string `json:"file_checksums"`
	AssessmentItems []string `json:"assessment_items"`
	ChildContentIDs []string `json:"child_content_ids"`
}

// ComputeContentID derives a node's content id from its own fields, its
// attached files and assessment items, and its direct children's content
// ids. Two independently produced copies of identical content converge on
// the same id; any content edit, including an assessment item change,
// diverges it. Deleted items do not contribute.
func ComputeContentID(node *types.ContentNode, items []*types.AssessmentItem, fileChecksums []string, childContentIDs []uuid.UUID) uuid.UUID {
	fp := contentFingerprint{
		Kind:        node.Kind,
		Title:       node.Title,
		Description: node.Description,
	}

	fp.FileChecksums = append(fp.FileChecksums, fileChecksums...)
	sort.Strings(fp.FileChecksums)

	for _, item := range items {
		if item.Deleted {
			continue
		}
		fp.AssessmentItems = append(fp.AssessmentItems, itemFingerprint(item))
	}
	sort.Strings(fp.AssessmentItems)

	for _, id := range childContentIDs {
		fp.ChildContentIDs = append(fp.ChildContentIDs, id.String())
	}
	sort.Strings(fp.ChildContentIDs)

	raw, _ := json.Marshal(fp)
	sum := sha256.Sum256(raw)
	var out uuid.UUID
	copy(out[:], sum[:16])
	return out
}

func itemFingerprint(item *types.AssessmentItem) string {
	raw, _ := json.Marshal(map[string]interface{}{
		"assessment_id": item.AssessmentID.String(),
		"type":          item.Type,
		"question":      item.Question,
		"answers":       json.RawMessage(orEmptyArray(item.Answers)),
		"hints":         json.RawMessage(orEmptyArray(item.Hints)),
		"raw_data":      item.RawData,
	})
	sum := sha256.Sum256(raw)
	return uuid.UUID(sum[:16]).String()
}

func orEmptyArray(raw []byte) []byte {
	if len(raw) == 0 {
		return []byte("[]")
	}
	return raw
}

// RefreshContentID recomputes and persists a node's content id from its
// current database state. tx may be nil.
func (e *Engine) RefreshContentID(ctx context.Context, tx *gorm.DB, node *types.ContentNode) (uuid.UUID, error) {
	transaction := tx
	if transaction == nil {
		transaction = e.db
	}

	items, err := e.items.GetByNodeID(ctx, transaction, node.ID)
	if err != nil {
		return uuid.Nil, err
	}
	files, err := e.files.GetByNodeID(ctx, transaction, node.ID)
	if err != nil {
		return uuid.Nil, err
	}
	checksums := make([]string, 0, len(files))
	for _, f := range files {
		checksums = append(checksums, f.Checksum)
	}

	var childIDs []uuid.UUID
	err = transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("parent_id = ?", node.ID).
		Pluck("content_id", &childIDs).Error
	if err != nil {
		return uuid.Nil, err
	}

	contentID := ComputeContentID(node, items, checksums, childIDs)
	if contentID == node.ContentID {
		return contentID, nil
	}
	err = transaction.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("id = ?", node.ID).
		Update("content_id", contentID).Error
	if err != nil {
		return uuid.Nil, err
	}
	node.ContentID = contentID
	return contentID, nil
}
