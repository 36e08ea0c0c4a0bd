package exercises

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"sort"

	"github.com/learningequality/studio-backend/internal/types"
)

// Format identifies the exercise archive layout.
type Format string

const (
	FormatPerseus Format = "perseus"
	FormatQTI     Format = "qti"
)

// Preset returns the file preset under which archives of this format are
// attached to a node.
func (f Format) Preset() string {
	if f == FormatQTI {
		return types.PresetQTI
	}
	return types.PresetPerseus
}

// Extension is the archive's file extension for storage keys.
func (f Format) Extension() string {
	return "zip"
}

// FormatFor selects the archive format for a set of assessment items: any
// free-response item forces the QTI layout, everything else renders as a
// perseus archive.
func FormatFor(items []*types.AssessmentItem) Format {
	for _, item := range items {
		if item.Deleted {
			continue
		}
		if item.Type == types.ItemTypeFreeResponse {
			return FormatQTI
		}
	}
	return FormatPerseus
}

// Archive is a generated exercise payload ready for the blob store.
type Archive struct {
	Format   Format
	Checksum string
	Data     []byte
}

// StorageKey returns the content-addressed key for the archive blob.
func (a *Archive) StorageKey() string {
	return types.StorageKeyFor(a.Checksum, a.Format.Extension())
}

// BuildArchive renders the node's assessment items into a zip archive of the
// format FormatFor selects. Deleted items are excluded; live items render in
// display order. The output is deterministic for a given input so identical
// exercises produce identical checksums and the blob layer dedupes them.
func BuildArchive(node *types.ContentNode, items []*types.AssessmentItem) (*Archive, error) {
	live := make([]*types.AssessmentItem, 0, len(items))
	for _, item := range items {
		if !item.Deleted {
			live = append(live, item)
		}
	}
	sort.SliceStable(live, func(i, j int) bool { return live[i].Order < live[j].Order })

	format := FormatFor(live)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	var err error
	if format == FormatQTI {
		err = writeQTI(zw, node, live)
	} else {
		err = writePerseus(zw, node, live)
	}
	if err != nil {
		zw.Close()
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(buf.Bytes())
	return &Archive{
		Format:   format,
		Checksum: hex.EncodeToString(sum[:]),
		Data:     buf.Bytes(),
	}, nil
}

// addDeterministic writes a zip entry with a zeroed timestamp so archive
// bytes depend only on content.
func addDeterministic(zw *zip.Writer, name string, data []byte) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

type perseusManifest struct {
	ExerciseID         string   `json:"exercise_id"`
	Title              string   `json:"title"`
	AllAssessmentItems []string `json:"all_assessment_items"`
	MasteryModel       *Mastery `json:"mastery_model,omitempty"`
	Randomize          bool     `json:"randomize"`
}

type perseusItem struct {
	AssessmentID string         `json:"assessment_id"`
	Type         string         `json:"type"`
	Question     string         `json:"question"`
	Answers      []types.Answer `json:"answers"`
	Hints        []types.Hint   `json:"hints"`
	RawData      string         `json:"raw_data,omitempty"`
	Randomize    bool           `json:"randomize"`
}

func writePerseus(zw *zip.Writer, node *types.ContentNode, items []*types.AssessmentItem) error {
	manifest := perseusManifest{
		ExerciseID: node.NodeID.String(),
		Title:      node.Title,
	}
	if mastery, err := ResolveMasteryModel(MigrateExtraFieldsJSON(node.ExtraFields), len(items)); err == nil {
		manifest.MasteryModel = &mastery
	}
	for _, item := range items {
		manifest.AllAssessmentItems = append(manifest.AllAssessmentItems, item.AssessmentID.String())
		if item.Randomize {
			manifest.Randomize = true
		}
	}

	raw, err := json.Marshal(manifest)
	if err != nil {
		return err
	}
	if err := addDeterministic(zw, "exercise.json", raw); err != nil {
		return err
	}
	for _, item := range items {
		entry := perseusItem{
			AssessmentID: item.AssessmentID.String(),
			Type:         item.Type,
			Question:     item.Question,
			Answers:      item.AnswerList(),
			Hints:        item.HintList(),
			RawData:      item.RawData,
			Randomize:    item.Randomize,
		}
		raw, err := json.Marshal(entry)
		if err != nil {
			return err
		}
		name := fmt.Sprintf("%s.json", item.AssessmentID)
		if err := addDeterministic(zw, name, raw); err != nil {
			return err
		}
	}
	return nil
}

type qtiManifest struct {
	XMLName    xml.Name      `xml:"manifest"`
	Identifier string        `xml:"identifier,attr"`
	Title      string        `xml:"metadata>title"`
	Resources  []qtiResource `xml:"resources>resource"`
}

type qtiResource struct {
	Identifier string `xml:"identifier,attr"`
	Type       string `xml:"type,attr"`
	Href       string `xml:"href,attr"`
}

type qtiItem struct {
	XMLName    xml.Name    `xml:"assessmentItem"`
	Identifier string      `xml:"identifier,attr"`
	Title      string      `xml:"title,attr"`
	Prompt     string      `xml:"itemBody>prompt"`
	Choices    []qtiChoice `xml:"itemBody>choiceInteraction>simpleChoice,omitempty"`
}

type qtiChoice struct {
	Identifier string `xml:"identifier,attr"`
	Correct    bool   `xml:"correct,attr"`
	Value      string `xml:",chardata"`
}

func writeQTI(zw *zip.Writer, node *types.ContentNode, items []*types.AssessmentItem) error {
	manifest := qtiManifest{
		Identifier: node.NodeID.String(),
		Title:      node.Title,
	}
	for _, item := range items {
		manifest.Resources = append(manifest.Resources, qtiResource{
			Identifier: item.AssessmentID.String(),
			Type:       "imsqti_item_xmlv3p0",
			Href:       fmt.Sprintf("items/%s.xml", item.AssessmentID),
		})
	}
	raw, err := xml.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	if err := addDeterministic(zw, "imsmanifest.xml", append([]byte(xml.Header), raw...)); err != nil {
		return err
	}

	for _, item := range items {
		entry := qtiItem{
			Identifier: item.AssessmentID.String(),
			Title:      node.Title,
			Prompt:     item.Question,
		}
		for i, a := range item.AnswerList() {
			entry.Choices = append(entry.Choices, qtiChoice{
				Identifier: fmt.Sprintf("choice_%d", i+1),
				Correct:    a.Correct,
				Value:      a.Answer,
			})
		}
		raw, err := xml.MarshalIndent(entry, "", "  ")
		if err != nil {
			return err
		}
		name := fmt.Sprintf("items/%s.xml", item.AssessmentID)
		if err := addDeterministic(zw, name, append([]byte(xml.Header), raw...)); err != nil {
			return err
		}
	}
	return nil
}
