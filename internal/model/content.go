package model

import "time"

// StructuralStatus is the archive-level verdict recorded at first sight.
type StructuralStatus string

const (
	StructuralOK    StructuralStatus = "OK"
	StructuralError StructuralStatus = "ERROR"
)

// StructuralCode is the closed set of archive failure codes.
type StructuralCode string

const (
	StructuralCodeNone             StructuralCode = ""
	StructuralCodePassword         StructuralCode = "ZIP_PASSWORD"
	StructuralCodeLongPath         StructuralCode = "ZIP_LONG_PATH"
	StructuralCodeDataDirMissing   StructuralCode = "ZIP_DATA_DIR_MISSING"
	StructuralCodeDataDirDuplicate StructuralCode = "ZIP_DATA_DIR_DUPLICATE"
	StructuralCodeDataDirEmpty     StructuralCode = "ZIP_DATA_DIR_EMPTY"
	StructuralCodeExtractFailed    StructuralCode = "ZIP_EXTRACT_FAILED"
	StructuralCodeUnexpected       StructuralCode = "ZIP_UNEXPECTED"
)

var structuralCodes = map[StructuralCode]bool{
	StructuralCodePassword:         true,
	StructuralCodeLongPath:         true,
	StructuralCodeDataDirMissing:   true,
	StructuralCodeDataDirDuplicate: true,
	StructuralCodeDataDirEmpty:     true,
	StructuralCodeExtractFailed:    true,
	StructuralCodeUnexpected:       true,
}

// ParseStructuralCode maps s onto the closed code set. Empty input means no
// failure; anything unrecognised becomes ZIP_UNEXPECTED.
func ParseStructuralCode(s string) StructuralCode {
	if s == "" {
		return StructuralCodeNone
	}
	c := StructuralCode(s)
	if structuralCodes[c] {
		return c
	}
	return StructuralCodeUnexpected
}

// StructuralFindings is what archive inspection observed about a ZIP.
type StructuralFindings struct {
	Code         StructuralCode `json:"code,omitempty"`
	Message      string         `json:"message,omitempty"`
	DataDirCount int            `json:"data_dir_count"`
	XMLCount     int            `json:"xml_count"`
}

// Status derives the structural status from the findings.
func (f StructuralFindings) Status() StructuralStatus {
	if f.Code != StructuralCodeNone {
		return StructuralError
	}
	return StructuralOK
}

// ZipRecord is one physical archive keyed by content hash. Everything except
// the last-seen fields is fixed at first insertion.
type ZipRecord struct {
	ID             string           `json:"id"`
	Hash           string           `json:"hash"`
	Name           string           `json:"name"`
	PathHint       string           `json:"path_hint,omitempty"`
	Status         StructuralStatus `json:"structural_status"`
	ErrorCode      StructuralCode   `json:"error_code,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	DataDirCount   int              `json:"data_dir_count"`
	XMLCount       int              `json:"data_xml_count"`
	FirstSeenRunID string           `json:"first_seen_run_id"`
	FirstSeenAt    time.Time        `json:"first_seen_at"`
	LastSeenRunID  string           `json:"last_seen_run_id"`
	LastSeenAt     time.Time        `json:"last_seen_at"`
}

// ProcessStatus is the state of one XML sub-lifecycle.
type ProcessStatus string

const (
	ProcessPending ProcessStatus = "pending"
	ProcessOK      ProcessStatus = "ok"
	ProcessError   ProcessStatus = "error"
)

// DocumentIdentity holds the identity fields extracted from a CDA document.
type DocumentIdentity struct {
	DocumentID    string `json:"document_id,omitempty"`
	InsurerNumber string `json:"insurer_number,omitempty"`
	PersonKey     string `json:"person_key,omitempty"`
	ExamDate      string `json:"exam_date,omitempty"` // YYYY-MM-DD
	FacilityCode  string `json:"facility_code,omitempty"`
	FacilityName  string `json:"facility_name,omitempty"`
}

// SubjectHint carries the subscriber-matching fields found in a document.
type SubjectHint struct {
	InsurerNumber   string `json:"insurer_number,omitempty"`
	InsuranceSymbol string `json:"insurance_symbol,omitempty"`
	InsuranceNumber string `json:"insurance_number,omitempty"`
	BranchNumber    string `json:"branch_number,omitempty"`
	BirthDate       string `json:"birth_date,omitempty"` // YYYY-MM-DD
	KanaName        string `json:"kana_name,omitempty"`
	Gender          string `json:"gender,omitempty"`
}

// XmlRecord is one XML member of a ZipRecord. The document extraction, item
// extraction, and legal judgment sub-records are updated independently.
type XmlRecord struct {
	ID            string     `json:"id"`
	ZipHash       string     `json:"zip_hash"`
	InnerPath     string     `json:"inner_path"`
	InnerPathHash string     `json:"inner_path_hash"`
	Hash          string     `json:"hash"`
	Size          int64      `json:"size"`
	MTime         *time.Time `json:"mtime,omitempty"`

	Status         ProcessStatus    `json:"status"`
	ErrorCode      string           `json:"error_code,omitempty"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	Identity       DocumentIdentity `json:"identity"`
	Subject        SubjectHint      `json:"subject"`
	Category       string           `json:"category,omitempty"`
	Payload        map[string]any   `json:"payload,omitempty"`
	ExtractedRunID string           `json:"extracted_run_id,omitempty"`
	ExtractedAt    *time.Time       `json:"extracted_at,omitempty"`

	ItemsStatus      ProcessStatus `json:"items_status"`
	ItemsError       string        `json:"items_error,omitempty"`
	ItemsRunID       string        `json:"items_run_id,omitempty"`
	ItemsExtractedAt *time.Time    `json:"items_extracted_at,omitempty"`
	ItemCount        int           `json:"item_count"`

	Judgment *LegalJudgment `json:"judgment,omitempty"`

	// ReconcileStatus is ok once the document's event was recorded and
	// matched. Re-extraction resets it to pending.
	ReconcileStatus ProcessStatus `json:"reconcile_status"`
	ReconciledRunID string        `json:"reconciled_run_id,omitempty"`
	ReconciledAt    *time.Time    `json:"reconciled_at,omitempty"`

	FirstSeenRunID string    `json:"first_seen_run_id"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenRunID  string    `json:"last_seen_run_id"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Extracted reports whether both extraction sub-lifecycles finished cleanly.
func (x *XmlRecord) Extracted() bool {
	return x.Status == ProcessOK && x.ItemsStatus == ProcessOK
}

// Processed reports whether every import step finished for the document,
// through recording and matching its event.
func (x *XmlRecord) Processed() bool {
	return x.Extracted() && x.ReconcileStatus == ProcessOK
}

// ExtractionOutcome is the document-level extraction result written onto an XmlRecord.
type ExtractionOutcome struct {
	Status       ProcessStatus
	ErrorCode    string
	ErrorMessage string
	Identity     DocumentIdentity
	Subject      SubjectHint
	Category     string
	Payload      map[string]any
}

// Presence distinguishes how an extracted element was found. An element that
// was not found at all has no ItemValue row.
type Presence string

const (
	PresencePopulated  Presence = "populated"
	PresenceEmpty      Presence = "empty"
	PresenceNullFlavor Presence = "null_flavor"
)

// ExtractedItem is one value as reported by the extractor, in document order.
type ExtractedItem struct {
	ItemCode    string   `json:"item_code"`
	RawValue    string   `json:"raw_value"`
	Presence    Presence `json:"presence"`
	NullFlavor  string   `json:"null_flavor,omitempty"`
	ValueType   string   `json:"value_type,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	CodeSystem  string   `json:"code_system,omitempty"`
	CodeValue   string   `json:"code_value,omitempty"`
	CodeDisplay string   `json:"code_display,omitempty"`
}

// ItemValue is one extracted field keyed by (XmlHash, ItemCode, Occurrence).
type ItemValue struct {
	XmlHash     string   `json:"xml_hash"`
	ItemCode    string   `json:"item_code"`
	Occurrence  int      `json:"occurrence"`
	RawValue    string   `json:"raw_value"`
	Presence    Presence `json:"presence"`
	NullFlavor  string   `json:"null_flavor,omitempty"`
	ValueType   string   `json:"value_type,omitempty"`
	Unit        string   `json:"unit,omitempty"`
	CodeSystem  string   `json:"code_system,omitempty"`
	CodeValue   string   `json:"code_value,omitempty"`
	CodeDisplay string   `json:"code_display,omitempty"`
	RunID       string   `json:"extraction_run_id"`

	Normalization *Normalization `json:"normalization,omitempty"`
}

// ItemKey identifies an ItemValue.
type ItemKey struct {
	XmlHash    string
	ItemCode   string
	Occurrence int
}

// Key returns the identity of v.
func (v ItemValue) Key() ItemKey {
	return ItemKey{XmlHash: v.XmlHash, ItemCode: v.ItemCode, Occurrence: v.Occurrence}
}

// NormalizeStatus records the outcome of normalizing one item value.
type NormalizeStatus string

const (
	NormalizeOK         NormalizeStatus = "ok"
	NormalizeNullFlavor NormalizeStatus = "null_flavor"
	NormalizeEmpty      NormalizeStatus = "empty"
	NormalizeNotFound   NormalizeStatus = "not_found"
	NormalizeAmbiguous  NormalizeStatus = "ambiguous"
	NormalizeUnparsable NormalizeStatus = "unparsable"
	NormalizeNoMaster   NormalizeStatus = "no_master"
)

// Normalization is the normalization sub-record of an ItemValue. Failed
// normalizations keep the raw value and carry the reason.
type Normalization struct {
	Status          NormalizeStatus `json:"status"`
	Code            string          `json:"code,omitempty"`
	Display         string          `json:"display,omitempty"`
	Value           string          `json:"value,omitempty"`
	Unit            string          `json:"unit,omitempty"`
	UnitMismatch    bool            `json:"unit_mismatch,omitempty"`
	VariantID       int64           `json:"variant_id,omitempty"`
	Confidence      float64         `json:"confidence,omitempty"`
	Error           string          `json:"error,omitempty"`
	SnapshotVersion string          `json:"snapshot_version,omitempty"`
	RunID           string          `json:"run_id,omitempty"`
	NormalizedAt    time.Time       `json:"normalized_at"`
}

// SightingKind names the entity a sighting refers to.
type SightingKind string

const (
	SightingZip SightingKind = "zip"
	SightingXml SightingKind = "xml"
)

// SightingAction is what a run observed about a content hash.
type SightingAction string

const (
	SightingNew       SightingAction = "NEW"
	SightingSeen      SightingAction = "SEEN"
	SightingCollision SightingAction = "COLLISION"
)

// Sighting is one per-run observation of a registered hash.
type Sighting struct {
	RunID   string         `json:"run_id"`
	Kind    SightingKind   `json:"kind"`
	Hash    string         `json:"hash"`
	Action  SightingAction `json:"action"`
	Message string         `json:"message,omitempty"`
	SeenAt  time.Time      `json:"seen_at"`
}
