package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/learningequality/studio-backend/internal/modules/copysync"
	"github.com/learningequality/studio-backend/internal/modules/exercises"
	"github.com/learningequality/studio-backend/internal/platform/logger"
	"github.com/learningequality/studio-backend/internal/repos"
	"github.com/learningequality/studio-backend/internal/tree"
	"github.com/learningequality/studio-backend/internal/types"
)

// Mutation operations.
const (
	OpCreate = "create"
	OpUpdate = "update"
	OpDelete = "delete"
	OpMove   = "move"
	OpCopy   = "copy"
)

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrUnknownOp        = errors.New("unknown mutation op")
	// ErrBadPrerequisite covers self-referential, cyclic and cross-tree
	// prerequisite links, all rejected before any write.
	ErrBadPrerequisite = errors.New("invalid prerequisite")
)

// User identifies the caller for permission checks. Authentication itself
// happens upstream; by the time a mutation reaches this layer the id is
// trusted.
type User struct {
	ID string `json:"id"`
}

// Permissions gates mutations per channel. Predicates are pure: they must
// not mutate anything and may be called any number of times per batch.
type Permissions interface {
	CanEdit(ctx context.Context, user User, channelID uuid.UUID) bool
	CanView(ctx context.Context, user User, channelID uuid.UUID) bool
}

// AllowAll grants everything; used in tests and single-tenant deployments.
type AllowAll struct{}

func (AllowAll) CanEdit(context.Context, User, uuid.UUID) bool { return true }
func (AllowAll) CanView(context.Context, User, uuid.UUID) bool { return true }

// MutationRequest is one item of a batch. NodeID names the subject node
// (the parent for create, the source for copy); TargetID names the
// destination reference for move and copy.
type MutationRequest struct {
	Op        string                 `json:"op"`
	ChannelID uuid.UUID              `json:"channel_id"`
	NodeID    uuid.UUID              `json:"node_id"`
	TargetID  *uuid.UUID             `json:"target_id,omitempty"`
	Position  string                 `json:"position,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// MutationResult reports one item's outcome. A batch never aborts on one
// item's failure: each item commits or fails independently.
type MutationResult struct {
	Applied bool      `json:"applied"`
	NodeID  uuid.UUID `json:"node_id,omitempty"`
	Error   string    `json:"error,omitempty"`
}

type MutationService interface {
	Apply(ctx context.Context, user User, reqs []MutationRequest) []MutationResult
	GarbageCollect(ctx context.Context, channelID uuid.UUID) (int, error)
	SetChannelPublic(ctx context.Context, user User, channelID uuid.UUID, public bool) error
}

type mutationService struct {
	db       *gorm.DB
	trees    *tree.Engine
	copies   *copysync.Engine
	perms    Permissions
	channels repos.ChannelRepo
	nodes    repos.ContentNodeRepo
	items    repos.AssessmentItemRepo
	log      *logger.Logger
}

func NewMutationService(db *gorm.DB, trees *tree.Engine, copies *copysync.Engine, perms Permissions, baseLog *logger.Logger) MutationService {
	log := baseLog.With("service", "MutationService")
	return &mutationService{
		db:       db,
		trees:    trees,
		copies:   copies,
		perms:    perms,
		channels: repos.NewChannelRepo(db, log),
		nodes:    repos.NewContentNodeRepo(db, log),
		items:    repos.NewAssessmentItemRepo(db, log),
		log:      log,
	}
}

// Apply runs a batch item by item, returning a per-item partition. Items
// already committed stay committed when a later item fails; permission
// failures on one item never abort its siblings.
func (s *mutationService) Apply(ctx context.Context, user User, reqs []MutationRequest) []MutationResult {
	results := make([]MutationResult, len(reqs))
	for i, req := range reqs {
		nodeID, err := s.applyOne(ctx, user, req)
		if err != nil {
			s.log.Warn("Mutation rejected", "op", req.Op, "node_id", req.NodeID, "error", err)
			results[i] = MutationResult{Applied: false, Error: err.Error()}
			continue
		}
		results[i] = MutationResult{Applied: true, NodeID: nodeID}
	}
	return results
}

func (s *mutationService) applyOne(ctx context.Context, user User, req MutationRequest) (uuid.UUID, error) {
	if !s.perms.CanEdit(ctx, user, req.ChannelID) {
		return uuid.Nil, fmt.Errorf("%w: cannot edit channel %s", ErrPermissionDenied, req.ChannelID)
	}

	switch req.Op {
	case OpCreate:
		return s.create(ctx, req)
	case OpUpdate:
		return req.NodeID, s.update(ctx, req)
	case OpDelete:
		return req.NodeID, s.delete(ctx, req)
	case OpMove:
		return req.NodeID, s.move(ctx, req)
	case OpCopy:
		return s.copy(ctx, user, req)
	default:
		return uuid.Nil, fmt.Errorf("%w: %q", ErrUnknownOp, req.Op)
	}
}

func (s *mutationService) create(ctx context.Context, req MutationRequest) (uuid.UUID, error) {
	node := &types.ContentNode{
		Kind:        stringField(req.Fields, "kind"),
		Title:       stringField(req.Fields, "title"),
		Description: stringField(req.Fields, "description"),
		Language:    stringField(req.Fields, "language"),
	}
	if node.Kind == "" {
		return uuid.Nil, fmt.Errorf("create requires a kind")
	}
	created, err := s.trees.AddChild(ctx, req.NodeID, node, position(req))
	if err != nil {
		return uuid.Nil, err
	}
	return created.ID, nil
}

// editableNodeFields whitelists columns an update op may touch. Everything
// else on the row is system-maintained.
var editableNodeFields = map[string]bool{
	"title":               true,
	"description":         true,
	"language":            true,
	"license_id":          true,
	"license_description": true,
	"author":              true,
	"copyright_holder":    true,
	"extra_fields":        true,
	"labels":              true,
	"thumbnail_encoding":  true,
}

func (s *mutationService) update(ctx context.Context, req MutationRequest) error {
	updates := map[string]interface{}{}
	for key, value := range req.Fields {
		if key == "prerequisites" {
			continue
		}
		if !editableNodeFields[key] {
			return fmt.Errorf("field %q is not editable", key)
		}
		updates[key] = value
	}

	if raw, ok := updates["extra_fields"]; ok {
		migrated, err := migrateExtraFieldsValue(raw)
		if err != nil {
			return err
		}
		updates["extra_fields"] = migrated
	}

	if prereqRaw, ok := req.Fields["prerequisites"]; ok {
		if err := s.replacePrerequisites(ctx, req.NodeID, prereqRaw); err != nil {
			return err
		}
	}

	if err := s.trees.ApplyEdit(ctx, req.NodeID, updates); err != nil {
		return err
	}
	return s.recomputeComplete(ctx, req.NodeID)
}

// recomputeComplete re-evaluates the completeness flag from current state.
// The flag itself never marks the node changed: it is derived, not authored.
func (s *mutationService) recomputeComplete(ctx context.Context, nodeID uuid.UUID) error {
	node, err := s.nodes.GetByID(ctx, nil, nodeID)
	if err != nil {
		return err
	}
	items, err := s.items.GetByNodeID(ctx, nil, nodeID)
	if err != nil {
		return err
	}
	var license *types.License
	if node.LicenseID != nil {
		var lic types.License
		err := s.db.WithContext(ctx).Where("id = ?", *node.LicenseID).First(&lic).Error
		if err == nil {
			license = &lic
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
	}
	complete := exercises.MarkComplete(node, items, license)
	if complete == node.Complete {
		return nil
	}
	return s.db.WithContext(ctx).
		Model(&types.ContentNode{}).
		Where("id = ?", node.ID).
		Update("complete", complete).Error
}

// replacePrerequisites swaps the node's prerequisite set after validating
// every link: no self-reference, no cross-tree link, no cycle through the
// existing graph. Validation failures reject the item before any write.
func (s *mutationService) replacePrerequisites(ctx context.Context, nodeID uuid.UUID, raw interface{}) error {
	ids, err := uuidSlice(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadPrerequisite, err)
	}
	node, err := s.nodes.GetByID(ctx, nil, nodeID)
	if err != nil {
		return err
	}
	for _, prereqID := range ids {
		if prereqID == nodeID {
			return fmt.Errorf("%w: node cannot require itself", ErrBadPrerequisite)
		}
		target, err := s.nodes.GetByID(ctx, nil, prereqID)
		if err != nil {
			return fmt.Errorf("%w: prerequisite %s not found", ErrBadPrerequisite, prereqID)
		}
		if target.TreeID != node.TreeID {
			return fmt.Errorf("%w: prerequisite %s is in another tree", ErrBadPrerequisite, prereqID)
		}
		cyclic, err := s.reaches(ctx, prereqID, nodeID)
		if err != nil {
			return err
		}
		if cyclic {
			return fmt.Errorf("%w: %s already requires %s", ErrBadPrerequisite, nodeID, prereqID)
		}
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("content_node_id = ?", nodeID).Delete(&types.NodePrerequisite{}).Error
		if err != nil {
			return err
		}
		for _, prereqID := range ids {
			link := types.NodePrerequisite{ContentNodeID: nodeID, PrerequisiteID: prereqID}
			if err := tx.Create(&link).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// reaches walks the prerequisite graph from start looking for goal.
func (s *mutationService) reaches(ctx context.Context, start, goal uuid.UUID) (bool, error) {
	visited := map[uuid.UUID]bool{}
	frontier := []uuid.UUID{start}
	for len(frontier) > 0 {
		current := frontier[0]
		frontier = frontier[1:]
		if current == goal {
			return true, nil
		}
		if visited[current] {
			continue
		}
		visited[current] = true

		var next []uuid.UUID
		err := s.db.WithContext(ctx).
			Model(&types.NodePrerequisite{}).
			Where("content_node_id = ?", current).
			Pluck("prerequisite_id", &next).Error
		if err != nil {
			return false, err
		}
		frontier = append(frontier, next...)
	}
	return false, nil
}

// delete parks the subtree under the channel's trash tree. Blobs and rows
// survive until GarbageCollect empties the trash.
func (s *mutationService) delete(ctx context.Context, req MutationRequest) error {
	ch, err := s.channels.GetByID(ctx, nil, req.ChannelID)
	if err != nil {
		return err
	}
	if ch.TrashTreeID == nil {
		return fmt.Errorf("channel %s has no trash tree", ch.ID)
	}
	return s.trees.MoveTo(ctx, req.NodeID, *ch.TrashTreeID, tree.PositionLastChild)
}

func (s *mutationService) move(ctx context.Context, req MutationRequest) error {
	if req.TargetID == nil {
		return fmt.Errorf("move requires a target")
	}
	return s.trees.MoveTo(ctx, req.NodeID, *req.TargetID, position(req))
}

// copy checks the source channel independently of the target: missing view
// rights fail this one item, and missing edit rights on the source freeze
// the clones' authoring data instead of failing.
func (s *mutationService) copy(ctx context.Context, user User, req MutationRequest) (uuid.UUID, error) {
	if req.TargetID == nil {
		return uuid.Nil, fmt.Errorf("copy requires a target")
	}
	source, err := s.nodes.GetByID(ctx, nil, req.NodeID)
	if err != nil {
		return uuid.Nil, err
	}

	canEditSource := true
	if source.ChannelID != nil && *source.ChannelID != req.ChannelID {
		if !s.perms.CanView(ctx, user, *source.ChannelID) {
			return uuid.Nil, fmt.Errorf("%w: cannot view source channel %s", ErrPermissionDenied, *source.ChannelID)
		}
		canEditSource = s.perms.CanEdit(ctx, user, *source.ChannelID)
	}

	mods := map[string]interface{}{}
	for key, value := range req.Fields {
		mods[key] = value
	}
	clone, err := s.copies.Copy(ctx, copysync.CopyRequest{
		SourceID:             req.NodeID,
		TargetID:             *req.TargetID,
		Position:             position(req),
		Mods:                 mods,
		CanEditSourceChannel: canEditSource,
	})
	if err != nil {
		return uuid.Nil, err
	}
	return clone.ID, nil
}

// SetChannelPublic toggles the channel's catalog visibility. Visibility is
// channel metadata, not content: the tree's changed flags stay untouched,
// so flipping it never forces a republish.
func (s *mutationService) SetChannelPublic(ctx context.Context, user User, channelID uuid.UUID, public bool) error {
	if !s.perms.CanEdit(ctx, user, channelID) {
		return fmt.Errorf("%w: cannot edit channel %s", ErrPermissionDenied, channelID)
	}
	if err := s.channels.UpdateFields(ctx, nil, channelID, map[string]interface{}{"public": public}); err != nil {
		return err
	}
	s.log.Info("Channel visibility updated", "channel_id", channelID, "public", public)
	return nil
}

// GarbageCollect hard-deletes everything parked under the channel's trash
// root and returns the number of subtrees removed. File rows go with their
// nodes; blobs stay, since checksummed blobs are shared across channels.
func (s *mutationService) GarbageCollect(ctx context.Context, channelID uuid.UUID) (int, error) {
	ch, err := s.channels.GetByID(ctx, nil, channelID)
	if err != nil {
		return 0, err
	}
	if ch.TrashTreeID == nil {
		return 0, nil
	}
	trashRoot, err := s.nodes.GetByID(ctx, nil, *ch.TrashTreeID)
	if err != nil {
		return 0, err
	}
	children, err := s.trees.GetChildren(ctx, trashRoot)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, child := range children {
		if err := s.trees.Delete(ctx, child.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.log.Info("Trash emptied", "channel_id", channelID, "subtrees", removed)
	}
	return removed, nil
}

func position(req MutationRequest) tree.Position {
	if req.Position == "" {
		return tree.PositionLastChild
	}
	return tree.Position(req.Position)
}

func stringField(fields map[string]interface{}, key string) string {
	if fields == nil {
		return ""
	}
	if v, ok := fields[key].(string); ok {
		return v
	}
	return ""
}

// migrateExtraFieldsValue normalizes incoming extra_fields (map or raw JSON)
// through the legacy criteria migration before storage.
func migrateExtraFieldsValue(raw interface{}) (datatypes.JSON, error) {
	var fields map[string]interface{}
	switch v := raw.(type) {
	case map[string]interface{}:
		fields = v
	case string:
		if err := json.Unmarshal([]byte(v), &fields); err != nil {
			return nil, fmt.Errorf("malformed extra_fields: %w", err)
		}
	case datatypes.JSON:
		if err := json.Unmarshal(v, &fields); err != nil {
			return nil, fmt.Errorf("malformed extra_fields: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported extra_fields type %T", raw)
	}
	migrated := exercises.MigrateExtraFields(fields)
	out, err := json.Marshal(migrated)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(out), nil
}

func uuidSlice(raw interface{}) ([]uuid.UUID, error) {
	switch v := raw.(type) {
	case []uuid.UUID:
		return v, nil
	case []string:
		out := make([]uuid.UUID, 0, len(v))
		for _, s := range v {
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	case []interface{}:
		out := make([]uuid.UUID, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("expected string id, got %T", item)
			}
			id, err := uuid.Parse(s)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("expected id list, got %T", raw)
	}
}
