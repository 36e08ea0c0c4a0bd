package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/learningequality/studio-backend/internal/platform/gcs"
	"github.com/learningequality/studio-backend/internal/testutil"
	"github.com/learningequality/studio-backend/internal/types"
)

func TestPruneLabelPaths(t *testing.T) {
	got := pruneLabelPaths([]string{
		"math",
		"math.algebra",
		"math.algebra.linear",
		"science",
		"science",
		"",
	})
	want := []string{"math.algebra.linear", "science"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("pruned = %v, want %v", got, want)
	}
}

func TestEffectiveLabelsMergeAndPrune(t *testing.T) {
	inherited := map[string][]string{
		types.LabelCategories:  {"math"},
		types.LabelGradeLevels: {"primary"},
	}
	own := map[string][]string{
		types.LabelCategories: {"math.algebra"},
	}
	got := effectiveLabels(own, inherited)
	if !reflect.DeepEqual(got[types.LabelCategories], []string{"math.algebra"}) {
		t.Fatalf("categories = %v, want [math.algebra]", got[types.LabelCategories])
	}
	if !reflect.DeepEqual(got[types.LabelGradeLevels], []string{"primary"}) {
		t.Fatalf("grade levels = %v, want [primary]", got[types.LabelGradeLevels])
	}
}

func TestResolveDuration(t *testing.T) {
	ten, ninety := 10, 90
	files := []*types.File{
		{Preset: types.PresetVideoLowRes, Duration: &ten},
		{Preset: types.PresetVideoHighRes, Duration: &ninety},
		{Preset: types.PresetThumbnail},
	}
	n := &types.ContentNode{Kind: types.KindVideo}
	if got := resolveDuration(n, files); got != 90 {
		t.Fatalf("duration = %d, want longest AV file 90", got)
	}

	criteria := map[string]interface{}{
		"options": map[string]interface{}{
			"completion_criteria": map[string]interface{}{
				"model":     "time",
				"threshold": 300,
			},
		},
	}
	raw, _ := json.Marshal(criteria)
	n.ExtraFields = datatypes.JSON(raw)
	if got := resolveDuration(n, files); got != 300 {
		t.Fatalf("duration = %d, want time threshold 300", got)
	}
}

// openArtifact pulls the versioned artifact out of the store and opens it as
// a sqlite database.
func openArtifact(tb testing.TB, ctx context.Context, store *gcs.MemoryStore, ch *types.Channel, version int) *gorm.DB {
	tb.Helper()
	rc, err := store.Open(ctx, fmt.Sprintf("databases/%s-%d.sqlite3", ch.ID, version))
	if err != nil {
		tb.Fatalf("open artifact blob: %v", err)
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		tb.Fatalf("read artifact blob: %v", err)
	}
	path := filepath.Join(tb.TempDir(), "artifact.sqlite3")
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		tb.Fatalf("write artifact to disk: %v", err)
	}
	edb, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		tb.Fatalf("open artifact db: %v", err)
	}
	return edb
}

func TestArtifactResolvesInheritedFields(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	store := gcs.NewMemoryStore()
	p := newPublisher(t, db, store)

	ch, root := testutil.SeedChannel(t, ctx, db, "Languages")
	topic := testutil.SeedNode(t, ctx, db, root, types.KindTopic, "Swahili unit")
	video := testutil.SeedNode(t, ctx, db, topic, types.KindVideo, "Greetings")
	lic := licenseByName(t, ctx, db, "CC BY-SA")

	labels, _ := json.Marshal(map[string][]string{types.LabelCategories: {"languages"}})
	err := db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", topic.ID).
		Updates(map[string]interface{}{"language": "sw", "labels": datatypes.JSON(labels)}).Error
	if err != nil {
		t.Fatalf("prep topic: %v", err)
	}
	childLabels, _ := json.Marshal(map[string][]string{types.LabelCategories: {"languages.conversation"}})
	err = db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", video.ID).
		Updates(map[string]interface{}{
			"license_id":       lic.ID,
			"copyright_holder": "LE",
			"labels":           datatypes.JSON(childLabels),
		}).Error
	if err != nil {
		t.Fatalf("prep video: %v", err)
	}
	markComplete(t, ctx, db, root.ID, topic.ID, video.ID)

	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	edb := openArtifact(t, ctx, store, ch, 1)

	var chRow exportChannel
	if err := edb.First(&chRow).Error; err != nil {
		t.Fatalf("read channel row: %v", err)
	}
	if chRow.RootNodeID != root.NodeID.String() {
		t.Fatalf("root_node_id = %s, want %s", chRow.RootNodeID, root.NodeID)
	}

	var videoRow exportNode
	if err := edb.Where("title = ?", "Greetings").First(&videoRow).Error; err != nil {
		t.Fatalf("read video row: %v", err)
	}
	if videoRow.Language != "sw" {
		t.Fatalf("language = %q, want inherited sw", videoRow.Language)
	}
	if videoRow.LicenseName != "CC BY-SA" {
		t.Fatalf("license = %q, want CC BY-SA", videoRow.LicenseName)
	}
	if videoRow.ParentNodeID != topic.NodeID.String() {
		t.Fatalf("parent_node_id = %s, want %s", videoRow.ParentNodeID, topic.NodeID)
	}
	var gotLabels map[string][]string
	if err := json.Unmarshal([]byte(videoRow.Labels), &gotLabels); err != nil {
		t.Fatalf("decode labels: %v", err)
	}
	if !reflect.DeepEqual(gotLabels[types.LabelCategories], []string{"languages.conversation"}) {
		t.Fatalf("categories = %v, want pruned [languages.conversation]", gotLabels[types.LabelCategories])
	}

	// The root topic falls back to the channel language.
	var rootRow exportNode
	if err := edb.Where("node_id = ?", root.NodeID.String()).First(&rootRow).Error; err != nil {
		t.Fatalf("read root row: %v", err)
	}
	if rootRow.Language != "en" {
		t.Fatalf("root language = %q, want channel fallback en", rootRow.Language)
	}
}

func seedExerciseChannel(tb testing.TB, ctx context.Context, db *gorm.DB) (*types.Channel, *types.ContentNode) {
	tb.Helper()
	ch, root := testutil.SeedChannel(tb, ctx, db, "Math")
	ex := testutil.SeedNode(tb, ctx, db, root, types.KindExercise, "Addition drill")
	lic := licenseByName(tb, ctx, db, "CC BY")
	fields, _ := json.Marshal(map[string]interface{}{"mastery_model": "do_all"})
	err := db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", ex.ID).
		Updates(map[string]interface{}{
			"license_id":       lic.ID,
			"copyright_holder": "LE",
			"extra_fields":     datatypes.JSON(fields),
		}).Error
	if err != nil {
		tb.Fatalf("prep exercise: %v", err)
	}
	testutil.SeedAssessmentItem(tb, ctx, db, ex.ID, types.ItemTypeSingleSelection, []types.Answer{
		{Answer: "4", Correct: true, Order: 1},
		{Answer: "5", Correct: false, Order: 2},
	})
	markComplete(tb, ctx, db, root.ID, ex.ID)
	return ch, ex
}

func TestPublishBuildsExerciseArchive(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	store := gcs.NewMemoryStore()
	p := newPublisher(t, db, store)

	ch, ex := seedExerciseChannel(t, ctx, db)

	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	var rows []types.File
	err := db.WithContext(ctx).
		Where("content_node_id = ? AND preset = ?", ex.ID, types.PresetPerseus).
		Find(&rows).Error
	if err != nil {
		t.Fatalf("load archive rows: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("archive rows = %d, want 1", len(rows))
	}
	archiveKey := rows[0].StorageKey()
	if ok, _ := store.Exists(ctx, archiveKey); !ok {
		t.Fatalf("archive blob %s missing from store", archiveKey)
	}
}

func TestPublishFormatSwitchDropsStaleRowKeepsBlob(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	store := gcs.NewMemoryStore()
	p := newPublisher(t, db, store)

	ch, ex := seedExerciseChannel(t, ctx, db)
	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	var perseusRow types.File
	err := db.WithContext(ctx).
		Where("content_node_id = ? AND preset = ?", ex.ID, types.PresetPerseus).
		First(&perseusRow).Error
	if err != nil {
		t.Fatalf("load perseus row: %v", err)
	}

	// A free response question flips the exercise to the qti format.
	testutil.SeedAssessmentItem(t, ctx, db, ex.ID, types.ItemTypeFreeResponse, nil)
	err = db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", ex.ID).
		Update("changed", true).Error
	if err != nil {
		t.Fatalf("flag exercise changed: %v", err)
	}

	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID}); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	var presets []string
	err = db.WithContext(ctx).Model(&types.File{}).
		Where("content_node_id = ? AND preset IN ?", ex.ID, []string{types.PresetPerseus, types.PresetQTI}).
		Pluck("preset", &presets).Error
	if err != nil {
		t.Fatalf("load presets: %v", err)
	}
	if len(presets) != 1 || presets[0] != types.PresetQTI {
		t.Fatalf("archive presets = %v, want only qti", presets)
	}
	// The superseded blob stays: blobs are shared by checksum and never
	// deleted on behalf of one node.
	if ok, _ := store.Exists(ctx, perseusRow.StorageKey()); !ok {
		t.Fatal("stale archive blob was deleted from the store")
	}
}

func TestPublishSkipsUnchangedArchive(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	store := gcs.NewMemoryStore()
	p := newPublisher(t, db, store)

	ch, ex := seedExerciseChannel(t, ctx, db)
	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID}); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	var before types.File
	err := db.WithContext(ctx).
		Where("content_node_id = ? AND preset = ?", ex.ID, types.PresetPerseus).
		First(&before).Error
	if err != nil {
		t.Fatalf("load archive row: %v", err)
	}

	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID, Force: true}); err != nil {
		t.Fatalf("forced publish: %v", err)
	}
	var after types.File
	err = db.WithContext(ctx).
		Where("content_node_id = ? AND preset = ?", ex.ID, types.PresetPerseus).
		First(&after).Error
	if err != nil {
		t.Fatalf("reload archive row: %v", err)
	}
	if after.ID != before.ID {
		t.Fatal("unchanged archive was rebuilt on a forced publish without ForceExercises")
	}
}

func TestPublishSkipsExerciseWithoutMastery(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	p := newPublisher(t, db, gcs.NewMemoryStore())

	ch, root, _ := seedPublishableChannel(t, ctx, db)
	broken := testutil.SeedNode(t, ctx, db, root, types.KindExercise, "No criteria")
	lic := licenseByName(t, ctx, db, "CC BY")
	err := db.WithContext(ctx).Model(&types.ContentNode{}).
		Where("id = ?", broken.ID).
		Updates(map[string]interface{}{"license_id": lic.ID, "copyright_holder": "LE", "complete": true}).Error
	if err != nil {
		t.Fatalf("prep broken exercise: %v", err)
	}
	testutil.SeedAssessmentItem(t, ctx, db, broken.ID, types.ItemTypeSingleSelection, []types.Answer{
		{Answer: "yes", Correct: true, Order: 1},
	})

	res, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	// The broken exercise is dropped; the rest of the channel publishes.
	if res.NodeCount != 3 {
		t.Fatalf("node count = %d, want 3 without the broken exercise", res.NodeCount)
	}
}

func TestPublishCachesThumbnailEncoding(t *testing.T) {
	ctx := context.Background()
	db := testutil.DB(t)
	store := gcs.NewMemoryStore()
	p := newPublisher(t, db, store)

	ch, _, video := seedPublishableChannel(t, ctx, db)

	img := image.NewRGBA(image.Rect(0, 0, 800, 600))
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture png: %v", err)
	}
	checksum := "bb11bb11bb11bb11bb11bb11bb11bb11"
	thumb := &types.File{
		ID:            uuid.New(),
		Checksum:      checksum,
		FileSize:      int64(buf.Len()),
		Extension:     "png",
		Preset:        types.PresetThumbnail,
		ContentNodeID: &video.ID,
	}
	if err := db.WithContext(ctx).Create(thumb).Error; err != nil {
		t.Fatalf("seed thumbnail row: %v", err)
	}
	if err := store.Save(ctx, thumb.StorageKey(), bytes.NewReader(buf.Bytes())); err != nil {
		t.Fatalf("seed thumbnail blob: %v", err)
	}

	if _, err := p.Publish(ctx, PublishRequest{ChannelID: ch.ID}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	n := testutil.Reload(t, ctx, db, video.ID)
	if !strings.HasPrefix(n.ThumbnailEncoding, "data:image/png;base64,") {
		t.Fatalf("thumbnail encoding not cached, got %q", truncate(n.ThumbnailEncoding, 40))
	}

	decoded, err := decodeDataURI(n.ThumbnailEncoding)
	if err != nil {
		t.Fatalf("decode cached thumbnail: %v", err)
	}
	scaled, _, err := image.Decode(bytes.NewReader(decoded))
	if err != nil {
		t.Fatalf("decode scaled png: %v", err)
	}
	if w := scaled.Bounds().Dx(); w != thumbnailMaxSide {
		t.Fatalf("scaled width = %d, want %d", w, thumbnailMaxSide)
	}
}

func decodeDataURI(uri string) ([]byte, error) {
	_, payload, ok := strings.Cut(uri, ",")
	if !ok {
		return nil, fmt.Errorf("no comma in data uri")
	}
	return base64.StdEncoding.DecodeString(payload)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
