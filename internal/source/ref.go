package source

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Request identifies one remote GRIB2 object: a single lead time of one
// product from one model run.
type Request struct {
	Model     string
	Product   string
	Cycle     time.Time
	LeadHours int
}

func (r Request) String() string {
	return fmt.Sprintf("%s/%s %s f%03d",
		r.Model, r.Product, r.Cycle.UTC().Format("2006-01-02T15"), r.LeadHours)
}

// ErrNoTemplate reports that no key template is known for a model.
var ErrNoTemplate = errors.New("no key template for model")

// Default object-key templates for the NOAA open-data archives. The same
// layout is mirrored across Google, AWS, NOMADS and Azure, so one template
// per model covers every built-in source.
var defaultTemplates = map[string]string{
	"hrrr": "hrrr.{yyyymmdd}/conus/hrrr.t{hh}z.wrf{product}f{ff}.grib2",
	"gfs":  "gfs.{yyyymmdd}/{hh}/atmos/gfs.t{hh}z.pgrb2.{product}.f{fff}",
	"nam":  "nam.{yyyymmdd}/nam.t{hh}z.{product}{ff}.tm00.grib2",
}

// ExpandKey fills a key template with the request's coordinates.
// Recognized tokens: {model} {product} {yyyymmdd} {yyyy} {mm} {dd} {hh}
// {fff} {ff}. Lead-hour tokens are zero-padded to their width.
func ExpandKey(template string, req Request) (string, error) {
	cycle := req.Cycle.UTC()
	// {fff} must precede {ff}: the replacer matches in argument order.
	repl := strings.NewReplacer(
		"{model}", req.Model,
		"{product}", req.Product,
		"{yyyymmdd}", cycle.Format("20060102"),
		"{yyyy}", cycle.Format("2006"),
		"{mm}", cycle.Format("01"),
		"{dd}", cycle.Format("02"),
		"{hh}", cycle.Format("15"),
		"{fff}", fmt.Sprintf("%03d", req.LeadHours),
		"{ff}", fmt.Sprintf("%02d", req.LeadHours),
	)
	key := repl.Replace(template)
	if i := strings.IndexByte(key, '{'); i >= 0 {
		return "", fmt.Errorf("unresolved token at %q in key template %q", key[i:], template)
	}
	return key, nil
}

// resolveKey picks the template for the request's model, preferring the
// source's own overrides, and expands it.
func resolveKey(templates map[string]string, req Request) (string, error) {
	tmpl, ok := templates[req.Model]
	if !ok {
		tmpl, ok = defaultTemplates[req.Model]
	}
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoTemplate, req.Model)
	}
	return ExpandKey(tmpl, req)
}
