package normalize

import (
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fastjson"

	"fleet-monitor/aggregator/internal/domain"
	"fleet-monitor/aggregator/internal/payload"
	"fleet-monitor/aggregator/internal/schema"
)

// GenericDescription labels faults that carry no descriptive text.
const GenericDescription = "Diagnostic fault"

// misfireSPNs are the J1939 parameters for multi-cylinder and per-cylinder
// misfire detection.
var misfireSPNs = map[int]struct{}{
	1322: {}, 1323: {}, 1324: {}, 1325: {}, 1326: {}, 1327: {}, 1328: {},
}

var (
	fmiKeys         = []string{"fmiId", "fmi"}
	lampKeys        = []string{"checkEngineLightIsOn", "milStatus", "milOn", "lampOn"}
	spnDescKeys     = []string{"spnDescription", "description"}
	fmiDescKeys     = []string{"fmiDescription", "fmiText"}
	sourceKeys      = []string{"sourceAddressName", "source"}
	occurrenceKeys  = []string{"occurrenceCount", "count"}
	fallbackCodeKey = []string{"code", "dtc"}
	itemTimeKeys    = []string{"time", "timestamp", "happenedAtTime"}
)

// Faults normalizes every fault item of m. Items that carry neither a
// parameter identifier nor a textual code are skipped. ts stamps items that
// do not carry their own time.
func Faults(m schema.Match, ts time.Time) []domain.Fault {
	out := make([]domain.Fault, 0, len(m.Faults))
	for _, item := range m.Faults {
		if f, ok := fault(item, ts); ok {
			out = append(out, f)
		}
	}
	return out
}

func fault(item *fastjson.Value, ts time.Time) (domain.Fault, bool) {
	if !payload.IsObject(item) {
		return domain.Fault{}, false
	}

	meta := &domain.FaultMeta{}
	if spn, ok := payload.Int(item, schema.FaultIDKeys...); ok {
		meta.SPN = &spn
	}
	if fmi, ok := payload.Int(item, fmiKeys...); ok {
		meta.FMI = &fmi
	}
	meta.LampOn, _ = payload.Bool(item, lampKeys...)
	meta.Source, _ = payload.String(item, sourceKeys...)
	if n, ok := payload.Int(item, occurrenceKeys...); ok {
		meta.OccurrenceCount = &n
	}

	code := Code(meta.SPN, meta.FMI)
	if code == "" {
		c, ok := payload.String(item, fallbackCodeKey...)
		if !ok {
			return domain.Fault{}, false
		}
		code = c
	}

	if t, ok := payload.Time(item, itemTimeKeys...); ok {
		ts = t
	}
	ts = ts.UTC()

	desc := Description(item)
	return domain.Fault{
		ID:          code + "@" + ts.Format(time.RFC3339Nano),
		Code:        code,
		Description: desc,
		Severity:    Classify(meta.LampOn, meta.SPN, desc),
		Active:      true,
		Time:        ts,
		Meta:        meta,
	}, true
}

// Code renders the dedup key of a diagnostic pair.
func Code(spn, fmi *int) string {
	switch {
	case spn == nil:
		return ""
	case fmi == nil:
		return fmt.Sprintf("SPN %d", *spn)
	default:
		return fmt.Sprintf("SPN %d FMI %d", *spn, *fmi)
	}
}

// Description joins the parameter, failure mode and source descriptions.
func Description(item *fastjson.Value) string {
	var parts []string
	for _, keys := range [][]string{spnDescKeys, fmiDescKeys, sourceKeys} {
		if s, ok := payload.String(item, keys...); ok {
			parts = append(parts, s)
		}
	}
	desc := strings.TrimSpace(strings.Join(parts, " - "))
	if desc == "" {
		return GenericDescription
	}
	return desc
}

// Classify applies the two-stage escalation: a lit lamp raises info to
// warning, and a lit lamp on a misfire raises it to critical.
func Classify(lampOn bool, spn *int, description string) domain.Severity {
	if !lampOn {
		return domain.SeverityInfo
	}
	if isMisfire(spn, description) {
		return domain.SeverityCritical
	}
	return domain.SeverityWarning
}

func isMisfire(spn *int, description string) bool {
	if spn != nil {
		if _, ok := misfireSPNs[*spn]; ok {
			return true
		}
	}
	return strings.Contains(strings.ToLower(description), "misfire")
}
