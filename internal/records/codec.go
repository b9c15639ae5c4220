// Package records maps notes and tombstones to and from the signed
// relay wire format. Note bodies travel encrypted; a few metadata tags
// stay in plaintext for relay-side indexing.
package records

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nbd-wtf/go-nostr"

	"github.com/kimhsiao/relaynotes/internal/crypto"
	"github.com/kimhsiao/relaynotes/internal/models"
)

const (
	// KindNote is the record kind for application note records.
	KindNote = nostr.KindApplicationSpecificData // 30078

	// KindTombstone is the universally-recognized deletion kind.
	KindTombstone = nostr.KindDeletion // 5

	// AppTag identifies this application's records among unrelated
	// records sharing the same kind. Bit-exact for interop.
	AppTag = "relaynotes"
)

// noteBody is the encrypted portion of a note record.
type noteBody struct {
	Title     string   `json:"title"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	CreatedAt int64    `json:"created_at"`
}

// Codec encodes and decodes records for one owner identity.
type Codec struct {
	key []byte
}

// NewCodec creates a Codec sealing payloads under the owner's derived key.
func NewCodec(owner string) *Codec {
	return &Codec{key: crypto.DeriveKey(owner)}
}

// EncodeNote builds an unsigned note event stamped with the current
// time. The stamp becomes the record's merge timestamp on every other
// device, so it must never predate the local modification it carries.
func (c *Codec) EncodeNote(note *models.Note) (*nostr.Event, error) {
	body, err := json.Marshal(noteBody{
		Title:     note.Title,
		Content:   note.Content,
		Tags:      note.Tags,
		CreatedAt: note.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode note body: %w", err)
	}

	sealed, err := crypto.EncryptPayload(body, c.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt note body: %w", err)
	}

	ts := nostr.Now()
	if int64(ts) < note.LastModified {
		ts = nostr.Timestamp(note.LastModified)
	}
	evt := &nostr.Event{
		Kind:      KindNote,
		CreatedAt: ts,
		Content:   base64.StdEncoding.EncodeToString(sealed),
		Tags: nostr.Tags{
			{"d", note.ID},
			{"app", AppTag},
			{"title", note.Title},
			{"published_at", strconv.FormatInt(note.CreatedAt, 10)},
		},
	}
	return evt, nil
}

// DecodeNote converts a relay event back into a RemoteRecord. Foreign
// events (wrong app tag, missing id, undecryptable content) return an
// error; callers skip them.
func (c *Codec) DecodeNote(evt *nostr.Event, sourceRelay string) (*models.RemoteRecord, error) {
	if evt.Kind != KindNote {
		return nil, fmt.Errorf("unexpected kind %d", evt.Kind)
	}
	if tag := evt.Tags.GetFirst([]string{"app"}); tag == nil || tag.Value() != AppTag {
		return nil, fmt.Errorf("foreign record %s: missing app tag", evt.ID)
	}

	idTag := evt.Tags.GetFirst([]string{"d"})
	if idTag == nil || idTag.Value() == "" {
		return nil, fmt.Errorf("record %s has no note id tag", evt.ID)
	}
	noteID := idTag.Value()

	sealed, err := base64.StdEncoding.DecodeString(evt.Content)
	if err != nil {
		return nil, fmt.Errorf("record %s: malformed content: %w", evt.ID, err)
	}

	plaintext, err := crypto.DecryptPayload(sealed, c.key)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", evt.ID, err)
	}

	var body noteBody
	if err := json.Unmarshal(plaintext, &body); err != nil {
		return nil, fmt.Errorf("record %s: invalid body: %w", evt.ID, err)
	}

	ts := int64(evt.CreatedAt)
	return &models.RemoteRecord{
		Note: models.Note{
			ID:             noteID,
			Title:          body.Title,
			Content:        body.Content,
			Tags:           body.Tags,
			CreatedAt:      body.CreatedAt,
			LastModified:   ts,
			LastSynced:     ts,
			RemoteRecordID: evt.ID,
			SyncStatus:     models.SyncStatusSynced,
		},
		RemoteRecordID:  evt.ID,
		RemoteTimestamp: ts,
		SourceRelay:     sourceRelay,
	}, nil
}

// EncodeTombstone builds an unsigned deletion event referencing the
// deleted record by id and by its addressable coordinates.
func (c *Codec) EncodeTombstone(ts *models.Tombstone, ownerPubKey string) *nostr.Event {
	tags := nostr.Tags{
		{"a", fmt.Sprintf("%d:%s:%s", KindNote, ownerPubKey, ts.NoteID)},
		{"k", strconv.Itoa(KindNote)},
	}
	if ts.RemoteRecordID != "" {
		tags = append(tags, nostr.Tag{"e", ts.RemoteRecordID})
	}

	return &nostr.Event{
		Kind:      KindTombstone,
		CreatedAt: nostr.Timestamp(ts.DeletedAt),
		Content:   "",
		Tags:      tags,
	}
}

// DecodeTombstone extracts the deleted note id from a deletion event.
// Deletions that do not reference this application's note kind are
// skipped with an error.
func (c *Codec) DecodeTombstone(evt *nostr.Event) (*models.Tombstone, error) {
	if evt.Kind != KindTombstone {
		return nil, fmt.Errorf("unexpected kind %d", evt.Kind)
	}

	aTag := evt.Tags.GetFirst([]string{"a"})
	if aTag == nil {
		return nil, fmt.Errorf("deletion %s has no addressable reference", evt.ID)
	}

	parts := strings.SplitN(aTag.Value(), ":", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("deletion %s: malformed reference %q", evt.ID, aTag.Value())
	}
	if parts[0] != strconv.Itoa(KindNote) {
		return nil, fmt.Errorf("deletion %s targets foreign kind %s", evt.ID, parts[0])
	}

	// A deletion observed on a relay is by definition acknowledged.
	ts := &models.Tombstone{
		NoteID:     parts[2],
		DeletedAt:  int64(evt.CreatedAt),
		LastSynced: int64(evt.CreatedAt),
	}
	if eTag := evt.Tags.GetFirst([]string{"e"}); eTag != nil {
		ts.RemoteRecordID = eTag.Value()
	}
	return ts, nil
}

// NoteFilter returns the subscription filter matching this
// application's note records for the given author. Relays only index
// single-letter tags, so the filter selects by kind and author alone;
// DecodeNote drops records of other applications by their app tag.
func NoteFilter(author string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{KindNote},
		Authors: []string{author},
	}
}

// TombstoneFilter returns the subscription filter matching deletion
// records authored by the owner against the note kind.
func TombstoneFilter(author string) nostr.Filter {
	return nostr.Filter{
		Kinds:   []int{KindTombstone},
		Authors: []string{author},
		Tags:    nostr.TagMap{"k": []string{strconv.Itoa(KindNote)}},
	}
}
