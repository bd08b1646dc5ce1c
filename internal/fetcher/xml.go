package fetcher

import (
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"

	"github.com/sells-group/kenshin-ledger/internal/model"
)

// HL7 namespaces and the identifier roots used by Japanese health checkup CDA.
const (
	NamespaceHL7 = "urn:hl7-org:v3"
	namespaceXSI = "http://www.w3.org/2001/XMLSchema-instance"

	OIDInsurerNumber   = "1.2.392.200119.6.101"
	OIDFacility        = "1.2.392.200119.6.102"
	OIDInsuranceSymbol = "1.2.392.200119.6.204"
	OIDInsuranceNumber = "1.2.392.200119.6.205"
	OIDBranchNumber    = "1.2.392.200119.6.211"
)

// Extractor turns one XML member into structured fields.
type Extractor interface {
	Extract(ctx context.Context, member model.MemberDescriptor) (*model.Extraction, error)
}

// CDAExtractor reads HL7 CDA R2 checkup documents with a streaming decoder.
// Malformed or non-CDA input yields an invalid Extraction, not an error; an
// error means the member could not be read at all.
type CDAExtractor struct{}

// NewCDAExtractor returns a CDAExtractor.
func NewCDAExtractor() *CDAExtractor { return &CDAExtractor{} }

// Extract implements Extractor.
func (CDAExtractor) Extract(ctx context.Context, member model.MemberDescriptor) (*model.Extraction, error) {
	if member.Open == nil {
		return nil, eris.Errorf("xml: member %s has no opener", member.InnerPath)
	}
	rc, err := member.Open()
	if err != nil {
		return nil, eris.Wrapf(err, "xml: open %s", member.InnerPath)
	}
	defer rc.Close() //nolint:errcheck
	return ParseCDA(ctx, rc)
}

// newDecoder returns a decoder that understands the legacy charsets CDA
// files are written in (Shift_JIS, EUC-JP).
func newDecoder(r io.Reader) *xml.Decoder {
	decoder := xml.NewDecoder(r)
	decoder.CharsetReader = func(charset string, input io.Reader) (io.Reader, error) {
		enc, err := htmlindex.Get(charset)
		if err != nil {
			return nil, eris.Wrapf(err, "xml: unsupported charset %q", charset)
		}
		return enc.NewDecoder().Reader(input), nil
	}
	return decoder
}

type observation struct {
	depth    int
	index    int
	code     string
	hasValue bool
	item     model.ExtractedItem
	text     strings.Builder
	inText   bool
}

type cdaParser struct {
	out   *model.Extraction
	stack []string
	obs   []*observation
	slots []*observation

	// captured text targets
	capture  *strings.Builder
	captureN int

	name     strings.Builder
	nameUse  string
	kanaName string
	anyName  string
	facility strings.Builder
	postal   strings.Builder
	title    strings.Builder
}

// ParseCDA decodes a CDA document from r.
func ParseCDA(ctx context.Context, r io.Reader) (*model.Extraction, error) {
	out := &model.Extraction{Payload: map[string]any{}}
	p := &cdaParser{out: out}
	decoder := newDecoder(r)

	root := true
	for {
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "xml: context cancelled")
		}
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			if eris.Is(err, io.ErrUnexpectedEOF) || isSyntax(err) || strings.Contains(err.Error(), "charset") {
				return invalid(out, "malformed xml: "+err.Error()), nil
			}
			return nil, eris.Wrap(err, "xml: read token")
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if root {
				root = false
				if t.Name.Local != "ClinicalDocument" || t.Name.Space != NamespaceHL7 {
					return invalid(out, "root element is not an HL7 ClinicalDocument"), nil
				}
			}
			p.start(t)
		case xml.EndElement:
			p.end(t)
		case xml.CharData:
			p.chars(t)
		}
	}
	if root {
		return invalid(out, "empty document"), nil
	}
	p.finish()
	out.Valid = true
	return out, nil
}

func isSyntax(err error) bool {
	var se *xml.SyntaxError
	return eris.As(err, &se)
}

func invalid(out *model.Extraction, msg string) *model.Extraction {
	out.Valid = false
	out.ValidationError = msg
	out.Items = nil
	return out
}

func attr(t xml.StartElement, space, local string) (string, bool) {
	for _, a := range t.Attr {
		if a.Name.Local == local && (space == "" || a.Name.Space == space) {
			return strings.TrimSpace(a.Value), true
		}
	}
	return "", false
}

func attrv(t xml.StartElement, local string) string {
	v, _ := attr(t, "", local)
	return v
}

// under reports whether the element path ends with names.
func (p *cdaParser) under(names ...string) bool {
	if len(p.stack) < len(names) {
		return false
	}
	tail := p.stack[len(p.stack)-len(names):]
	for i, n := range names {
		if tail[i] != n {
			return false
		}
	}
	return true
}

func (p *cdaParser) begin(b *strings.Builder) {
	p.capture = b
	p.captureN = len(p.stack)
}

func (p *cdaParser) start(t xml.StartElement) {
	p.stack = append(p.stack, t.Name.Local)
	out := p.out
	depth := len(p.stack)

	// Observations are read by depth so nested ones stay separate.
	if cur := p.current(); cur != nil && depth == cur.depth+1 {
		switch t.Name.Local {
		case "code":
			cur.code = attrv(t, "code")
			cur.item.CodeSystem = attrv(t, "codeSystem")
		case "value":
			p.readValue(cur, t)
		case "text":
			cur.inText = true
		}
	}
	if t.Name.Local == "observation" {
		o := &observation{depth: depth, index: len(p.slots)}
		p.obs = append(p.obs, o)
		p.slots = append(p.slots, o)
		return
	}
	if p.current() != nil {
		return
	}

	switch {
	case depth == 2 && t.Name.Local == "id":
		root, ext := attrv(t, "root"), attrv(t, "extension")
		if root != "" && ext != "" {
			out.Identity.DocumentID = root + "|" + ext
		} else {
			out.Identity.DocumentID = root
		}
	case depth == 2 && t.Name.Local == "code":
		out.Category = attrv(t, "code")
	case depth == 2 && t.Name.Local == "title":
		p.begin(&p.title)
	case p.under("recordTarget", "patientRole", "id"):
		ext := attrv(t, "extension")
		switch attrv(t, "root") {
		case OIDInsurerNumber:
			out.Subject.InsurerNumber = ext
			out.Identity.InsurerNumber = ext
		case OIDInsuranceSymbol:
			out.Subject.InsuranceSymbol = ext
		case OIDInsuranceNumber:
			out.Subject.InsuranceNumber = ext
		case OIDBranchNumber:
			out.Subject.BranchNumber = ext
		}
	case p.under("patientRole", "addr", "postalCode"):
		p.begin(&p.postal)
	case p.under("patientRole", "patient", "name"):
		p.name.Reset()
		p.nameUse = attrv(t, "use")
		p.begin(&p.name)
	case p.under("patientRole", "patient", "administrativeGenderCode"):
		out.Subject.Gender = attrv(t, "code")
	case p.under("patientRole", "patient", "birthTime"):
		out.Subject.BirthDate = isoDate(attrv(t, "value"))
	case p.under("serviceEvent", "effectiveTime"):
		if v := attrv(t, "value"); v != "" {
			out.Identity.ExamDate = isoDate(v)
		}
	case p.under("serviceEvent", "effectiveTime", "low"):
		if out.Identity.ExamDate == "" {
			out.Identity.ExamDate = isoDate(attrv(t, "value"))
		}
	case p.under("representedOrganization", "id"):
		if attrv(t, "root") == OIDFacility {
			out.Identity.FacilityCode = attrv(t, "extension")
		}
	case p.under("representedOrganization", "name"):
		p.facility.Reset()
		p.begin(&p.facility)
	}
}

func (p *cdaParser) readValue(o *observation, t xml.StartElement) {
	o.hasValue = true
	it := &o.item
	if xt, ok := attr(t, namespaceXSI, "type"); ok {
		if i := strings.IndexByte(xt, ':'); i >= 0 {
			xt = xt[i+1:]
		}
		it.ValueType = xt
	}
	it.Unit = attrv(t, "unit")
	if cs := attrv(t, "codeSystem"); cs != "" {
		it.CodeSystem = cs
	}
	it.CodeValue = attrv(t, "code")
	it.CodeDisplay = attrv(t, "displayName")
	if nf := attrv(t, "nullFlavor"); nf != "" {
		it.NullFlavor = nf
	}
	switch {
	case attrv(t, "value") != "":
		it.RawValue = attrv(t, "value")
	case it.CodeValue != "":
		it.RawValue = it.CodeValue
	default:
		// Text content, such as ST values, is read until the element closes.
		p.begin(&o.text)
	}
	if it.ValueType == "" && it.RawValue != "" {
		it.ValueType = string(model.ValueTypeST)
	}
}

func (p *cdaParser) chars(c xml.CharData) {
	if p.capture != nil {
		p.capture.Write(c)
		return
	}
	if cur := p.current(); cur != nil && cur.inText {
		cur.text.Write(c)
	}
}

func (p *cdaParser) end(t xml.EndElement) {
	depth := len(p.stack)
	if p.capture != nil && depth == p.captureN {
		p.capture = nil
		if p.under("patientRole", "patient", "name") {
			p.keepName()
		}
	}
	if cur := p.current(); cur != nil {
		switch {
		case depth == cur.depth+1 && t.Name.Local == "text":
			cur.inText = false
		case depth == cur.depth && t.Name.Local == "observation":
			p.closeObservation(cur)
		}
	}
	p.stack = p.stack[:len(p.stack)-1]
}

func (p *cdaParser) keepName() {
	n := strings.Join(strings.Fields(p.name.String()), " ")
	if n == "" {
		return
	}
	if p.anyName == "" {
		p.anyName = n
	}
	// Kana is carried on the syllabic rendering of the name.
	if strings.Contains(p.nameUse, "SYL") {
		p.kanaName = n
	}
}

func (p *cdaParser) current() *observation {
	if len(p.obs) == 0 {
		return nil
	}
	return p.obs[len(p.obs)-1]
}

func (p *cdaParser) closeObservation(o *observation) {
	p.obs = p.obs[:len(p.obs)-1]
	if o.code == "" {
		p.slots[o.index] = nil
		if o.hasValue {
			p.out.ItemErrors = append(p.out.ItemErrors, model.ItemError{Message: "observation without a code"})
		}
		return
	}
	it := &o.item
	it.ItemCode = o.code
	if it.RawValue == "" && o.text.Len() > 0 {
		it.RawValue = strings.TrimSpace(o.text.String())
		if it.ValueType == "" && it.RawValue != "" {
			it.ValueType = string(model.ValueTypeST)
		}
	}
	switch {
	case it.NullFlavor != "" && strings.TrimSpace(it.RawValue) == "":
		it.Presence = model.PresenceNullFlavor
	case strings.TrimSpace(it.RawValue) == "":
		it.Presence = model.PresenceEmpty
	default:
		it.Presence = model.PresencePopulated
	}
	if !o.hasValue && it.Presence == model.PresenceEmpty {
		// A grouping observation carries no value of its own.
		p.slots[o.index] = nil
		return
	}
	if it.ValueType == string(model.ValueTypePQ) && it.Presence == model.PresencePopulated && it.Unit == "" {
		p.out.ItemErrors = append(p.out.ItemErrors, model.ItemError{
			ItemCode: it.ItemCode, RawValue: it.RawValue, Message: "PQ value without unit",
		})
	}
}

func (p *cdaParser) finish() {
	out := p.out
	for _, o := range p.slots {
		if o != nil {
			out.Items = append(out.Items, o.item)
		}
	}
	out.Subject.KanaName = p.kanaName
	if out.Subject.KanaName == "" {
		out.Subject.KanaName = p.anyName
	}
	out.Identity.FacilityName = strings.Join(strings.Fields(p.facility.String()), " ")
	out.Identity.PersonKey = personKey(out.Subject)

	if v := strings.TrimSpace(p.title.String()); v != "" {
		out.Payload["title"] = v
	}
	if v := strings.TrimSpace(p.postal.String()); v != "" {
		out.Payload["postal_code"] = v
	}
	var missing []string
	if out.Subject.Gender == "" {
		missing = append(missing, "gender_code")
	}
	if _, ok := out.Payload["postal_code"]; !ok {
		missing = append(missing, "postal_code")
	}
	if len(missing) > 0 {
		out.Payload["warnings"] = "missing: " + strings.Join(missing, ",")
	}
	if len(out.Payload) == 0 {
		out.Payload = nil
	}
}

// personKey joins the insurance identifiers into one opaque key. It is empty
// unless insurer, symbol, and number are all present.
func personKey(s model.SubjectHint) string {
	if s.InsurerNumber == "" || s.InsuranceSymbol == "" || s.InsuranceNumber == "" {
		return ""
	}
	key := s.InsurerNumber + ":" + s.InsuranceSymbol + ":" + s.InsuranceNumber
	if s.BranchNumber != "" {
		key += ":" + s.BranchNumber
	}
	return key
}

// isoDate turns a HL7 TS (YYYYMMDD[hhmm...]) into YYYY-MM-DD. Anything
// shorter than a full date is returned empty.
func isoDate(ts string) string {
	ts = strings.TrimSpace(ts)
	if len(ts) < 8 {
		return ""
	}
	d := ts[:8]
	for _, r := range d {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return d[:4] + "-" + d[4:6] + "-" + d[6:8]
}
