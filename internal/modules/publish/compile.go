package publish

import (
	"bytes"
	"context"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/learningequality/studio-backend/internal/modules/exercises"
	"github.com/learningequality/studio-backend/internal/types"
)

// compiledNode is the fully resolved form of one published node: inherited
// fields applied, labels pruned, exercise archives attached. The source row
// is kept so finalize can flip its flags afterwards.
type compiledNode struct {
	row    *types.ContentNode
	parent *compiledNode

	language           string
	licenseName        string
	licenseDescription string
	duration           int
	labels             map[string][]string
	thumbnail          string

	files []*types.File
	items []*types.AssessmentItem
}

// treeSnapshot is an in-memory index of one tree, built once per publish so
// the pipeline sees a consistent view even while editors keep writing.
type treeSnapshot struct {
	byID     map[uuid.UUID]*types.ContentNode
	children map[uuid.UUID][]*types.ContentNode
}

func newTreeSnapshot(nodes []*types.ContentNode) *treeSnapshot {
	s := &treeSnapshot{
		byID:     make(map[uuid.UUID]*types.ContentNode, len(nodes)),
		children: map[uuid.UUID][]*types.ContentNode{},
	}
	for _, n := range nodes {
		s.byID[n.ID] = n
		if n.ParentID != nil {
			s.children[*n.ParentID] = append(s.children[*n.ParentID], n)
		}
	}
	for _, kids := range s.children {
		sort.SliceStable(kids, func(i, j int) bool { return kids[i].Lft < kids[j].Lft })
	}
	return s
}

// publishable reports whether a node should appear in the artifact. A
// resource qualifies when its completeness check has passed; a topic
// qualifies only when something under it does, so empty or fully incomplete
// subtrees drop out wholesale.
func (s *treeSnapshot) publishable(n *types.ContentNode) bool {
	if !n.IsTopic() {
		return n.Complete
	}
	for _, child := range s.children[n.ID] {
		if s.publishable(child) {
			return true
		}
	}
	return false
}

// compileTree walks the snapshot top-down from the root, resolving inherited
// fields and building exercise archives. Unpublishable subtrees are skipped;
// exercises whose mastery criteria cannot be resolved are skipped
// individually with a warning instead of failing the whole run.
func (p *Publisher) compileTree(ctx context.Context, ch *types.Channel, root *types.ContentNode, snapshot *treeSnapshot, req PublishRequest) ([]*compiledNode, error) {
	licenses, err := p.loadLicenses(ctx)
	if err != nil {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(snapshot.byID))
	for id := range snapshot.byID {
		ids = append(ids, id)
	}
	allFiles, err := p.files.GetByNodeIDs(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	filesByNode := map[uuid.UUID][]*types.File{}
	for _, f := range allFiles {
		if f.ContentNodeID != nil {
			filesByNode[*f.ContentNodeID] = append(filesByNode[*f.ContentNodeID], f)
		}
	}
	allItems, err := p.items.GetByNodeIDs(ctx, nil, ids)
	if err != nil {
		return nil, err
	}
	itemsByNode := map[uuid.UUID][]*types.AssessmentItem{}
	for _, it := range allItems {
		itemsByNode[it.ContentNodeID] = append(itemsByNode[it.ContentNodeID], it)
	}

	total := len(snapshot.byID)
	done := 0
	progress := func() {
		done++
		if req.Progress != nil && total > 0 {
			// Compile occupies the first 80% of the run; artifact build the rest.
			req.Progress(float64(done) / float64(total) * 80)
		}
	}

	var out []*compiledNode
	var walk func(n *types.ContentNode, parent *compiledNode) error
	walk = func(n *types.ContentNode, parent *compiledNode) error {
		if !snapshot.publishable(n) {
			return nil
		}
		c, err := p.compileNode(ctx, ch, n, parent, licenses, filesByNode[n.ID], itemsByNode[n.ID], req)
		if err != nil {
			return err
		}
		progress()
		if c == nil {
			return nil
		}
		out = append(out, c)
		for _, child := range snapshot.children[n.ID] {
			if err := walk(child, c); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, nil); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Publisher) compileNode(ctx context.Context, ch *types.Channel, n *types.ContentNode, parent *compiledNode, licenses map[uuid.UUID]*types.License, files []*types.File, items []*types.AssessmentItem, req PublishRequest) (*compiledNode, error) {
	c := &compiledNode{row: n, parent: parent}

	c.language = n.Language
	if c.language == "" {
		if parent != nil {
			c.language = parent.language
		} else {
			c.language = ch.Language
		}
	}

	if !n.IsTopic() && n.LicenseID != nil {
		if lic, ok := licenses[*n.LicenseID]; ok {
			c.licenseName = lic.LicenseName
			if lic.IsCustom {
				c.licenseDescription = n.LicenseDescription
			} else {
				c.licenseDescription = lic.LicenseDescription
			}
		}
	}

	var inherited map[string][]string
	if parent != nil {
		inherited = parent.labels
	}
	c.labels = effectiveLabels(n.LabelSet(), inherited)

	c.files = dedupeByChecksum(files)

	thumb, err := p.resolveThumbnail(ctx, n, c.files)
	if err != nil {
		// Thumbnails are presentational; a corrupt image never blocks publish.
		p.log.Warn("Skipping unreadable thumbnail", "node_id", n.ID, "error", err)
	}
	c.thumbnail = thumb

	if n.Kind == types.KindExercise {
		keep, err := p.compileExercise(ctx, n, c, items, req)
		if err != nil {
			return nil, err
		}
		if !keep {
			return nil, nil
		}
	}

	c.duration = resolveDuration(n, c.files)
	return c, nil
}

// compileExercise resolves mastery criteria and ensures an archive file of
// the right format exists. A false return drops the node from the publish
// set without failing the run.
func (p *Publisher) compileExercise(ctx context.Context, n *types.ContentNode, c *compiledNode, items []*types.AssessmentItem, req PublishRequest) (bool, error) {
	live := make([]*types.AssessmentItem, 0, len(items))
	for _, it := range items {
		if !it.Deleted {
			live = append(live, it)
		}
	}
	c.items = live

	fields := exercises.MigrateExtraFieldsJSON(n.ExtraFields)
	if _, err := exercises.ResolveMasteryModel(fields, len(live)); err != nil {
		p.log.Warn("Skipping exercise with unresolvable mastery criteria", "node_id", n.ID, "error", err)
		return false, nil
	}

	format := exercises.FormatFor(live)
	wantPreset := format.Preset()

	var existing *types.File
	var stale []*types.File
	for _, f := range c.files {
		switch f.Preset {
		case wantPreset:
			existing = f
		case types.PresetPerseus, types.PresetQTI:
			stale = append(stale, f)
		}
	}

	// The archive row for the superseded format goes away, but its blob does
	// not: other nodes may reference the same checksum.
	if len(stale) > 0 {
		staleIDs := make([]uuid.UUID, 0, len(stale))
		for _, f := range stale {
			staleIDs = append(staleIDs, f.ID)
		}
		if err := p.files.DeleteByIDs(ctx, nil, staleIDs); err != nil {
			return false, err
		}
		c.files = removeFiles(c.files, staleIDs)
	}

	if existing != nil && !n.Changed && !req.ForceExercises {
		return true, nil
	}

	archive, err := exercises.BuildArchive(n, live)
	if err != nil {
		return false, err
	}
	if existing != nil && existing.Checksum == archive.Checksum {
		return true, nil
	}
	if err := p.store.Save(ctx, archive.StorageKey(), bytes.NewReader(archive.Data)); err != nil {
		return false, err
	}
	if existing != nil {
		if err := p.files.DeleteByIDs(ctx, nil, []uuid.UUID{existing.ID}); err != nil {
			return false, err
		}
		c.files = removeFiles(c.files, []uuid.UUID{existing.ID})
	}
	row := &types.File{
		ID:            uuid.New(),
		Checksum:      archive.Checksum,
		FileSize:      int64(len(archive.Data)),
		Extension:     format.Extension(),
		Preset:        wantPreset,
		ContentNodeID: &n.ID,
	}
	created, err := p.files.Create(ctx, nil, []*types.File{row})
	if err != nil {
		return false, err
	}
	c.files = append(c.files, created...)
	return true, nil
}

func (p *Publisher) loadLicenses(ctx context.Context) (map[uuid.UUID]*types.License, error) {
	var rows []*types.License
	if err := p.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*types.License, len(rows))
	for _, lic := range rows {
		out[lic.ID] = lic
	}
	return out, nil
}

// resolveDuration picks the completion duration for time-based criteria,
// falling back to the longest audio/video file on the node.
func resolveDuration(n *types.ContentNode, files []*types.File) int {
	fields := exercises.MigrateExtraFieldsJSON(n.ExtraFields)
	if d, ok := exercises.CompletionDuration(fields); ok {
		return d
	}
	longest := 0
	for _, f := range files {
		if f.IsAudioVideo() && f.Duration != nil && *f.Duration > longest {
			longest = *f.Duration
		}
	}
	return longest
}

// effectiveLabels merges a node's own labels with its ancestors' and prunes
// redundancy: a label path that is a dotted prefix of another path in the
// same set adds no information and is dropped.
func effectiveLabels(own, inherited map[string][]string) map[string][]string {
	out := map[string][]string{}
	for _, src := range []map[string][]string{inherited, own} {
		for kind, values := range src {
			out[kind] = append(out[kind], values...)
		}
	}
	for kind, values := range out {
		out[kind] = pruneLabelPaths(values)
	}
	return out
}

func pruneLabelPaths(values []string) []string {
	uniq := map[string]bool{}
	for _, v := range values {
		if v != "" {
			uniq[v] = true
		}
	}
	out := make([]string, 0, len(uniq))
	for v := range uniq {
		redundant := false
		for other := range uniq {
			if other != v && strings.HasPrefix(other, v+".") {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}

func dedupeByChecksum(files []*types.File) []*types.File {
	seen := map[string]bool{}
	out := make([]*types.File, 0, len(files))
	for _, f := range files {
		key := f.Checksum + "/" + f.Preset + "/" + f.Language
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, f)
	}
	return out
}

func removeFiles(files []*types.File, ids []uuid.UUID) []*types.File {
	drop := map[uuid.UUID]bool{}
	for _, id := range ids {
		drop[id] = true
	}
	out := files[:0]
	for _, f := range files {
		if !drop[f.ID] {
			out = append(out, f)
		}
	}
	return out
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
