package provider

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

// EndpointMap binds each canonical operation to a provider-specific HTTP
// call description. Stored as JSONB on the provider row and validated when
// loaded, so call sites never see a half-formed mapping.
type EndpointMap map[Operation]EndpointSpec

// EndpointSpec describes how one canonical operation translates to a
// provider's wire format: the HTTP method, a path template with {param}
// placeholders, static query parameters, and rules for pulling canonical
// fields out of the response body.
type EndpointSpec struct {
	Method       string            `json:"method" validate:"required,oneof=GET POST PUT DELETE"`
	PathTemplate string            `json:"path_template" validate:"required,startswith=/"`
	QueryParams  map[string]string `json:"query_params,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Response     ResponseMap       `json:"response"`
}

// ResponseMap tells the adapter where canonical fields live in the
// provider's JSON response. Paths are dot-separated; a leading ListPath
// selects the array element shape for list operations.
type ResponseMap struct {
	// ListPath points at the array for list-shaped responses ("" = the
	// response root is a single object).
	ListPath string `json:"list_path,omitempty"`

	// Field paths relative to the (list element or root) object.
	IDPath      string `json:"id_path,omitempty"`
	NumberPath  string `json:"number_path,omitempty"`
	StatusPath  string `json:"status_path,omitempty"`
	TextPath    string `json:"text_path,omitempty"`
	BalancePath string `json:"balance_path,omitempty"`
	PricePath   string `json:"price_path,omitempty"`
	StockPath   string `json:"stock_path,omitempty"`
	CountryPath string `json:"country_path,omitempty"`
	ServicePath string `json:"service_path,omitempty"`

	// StatusValues maps provider status strings to canonical ones
	// (e.g. "STATUS_WAIT_CODE" -> "waiting").
	StatusValues map[string]string `json:"status_values,omitempty"`
}

var (
	validate    = validator.New(validator.WithRequiredStructEnabled())
	placeholder = regexp.MustCompile(`\{([a-zA-Z_][a-zA-Z0-9_]*)\}`)
)

// Validate checks the whole map: every required operation present, every
// spec structurally valid, every placeholder a known call parameter.
func (m EndpointMap) Validate() error {
	if len(m) == 0 {
		return fmt.Errorf("endpoint map is empty")
	}

	for _, op := range RequiredOperations() {
		if _, ok := m[op]; !ok {
			return fmt.Errorf("endpoint map missing required operation %q", op)
		}
	}

	for op, spec := range m {
		if !knownOperation(op) {
			return fmt.Errorf("unknown operation %q in endpoint map", op)
		}
		if err := spec.Validate(op); err != nil {
			return fmt.Errorf("operation %q: %w", op, err)
		}
	}

	return nil
}

// Validate checks a single spec against the parameters its operation supplies.
func (s EndpointSpec) Validate(op Operation) error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid endpoint spec: %w", err)
	}

	allowed := paramsFor(op)
	for _, name := range s.Placeholders() {
		if _, ok := allowed[name]; !ok {
			return fmt.Errorf("path template references unknown parameter {%s}", name)
		}
	}
	for _, v := range s.QueryParams {
		for _, name := range placeholdersIn(v) {
			if _, ok := allowed[name]; !ok {
				return fmt.Errorf("query param references unknown parameter {%s}", name)
			}
		}
	}

	switch op {
	case OpGetNumber:
		if s.Response.IDPath == "" || s.Response.NumberPath == "" {
			return fmt.Errorf("getNumber response map must extract id and number")
		}
	case OpGetStatus:
		if s.Response.StatusPath == "" {
			return fmt.Errorf("getStatus response map must extract status")
		}
	case OpGetBalance:
		if s.Response.BalancePath == "" {
			return fmt.Errorf("getBalance response map must extract balance")
		}
	}

	return nil
}

// Placeholders returns the {param} names used in the path template.
func (s EndpointSpec) Placeholders() []string {
	return placeholdersIn(s.PathTemplate)
}

func placeholdersIn(tmpl string) []string {
	matches := placeholder.FindAllStringSubmatch(tmpl, -1)
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, m[1])
	}
	return names
}

// Expand substitutes call parameters into a template. Unresolved
// placeholders are an error; templates are validated at load so this only
// fires when a caller omits a parameter.
func Expand(tmpl string, params map[string]string) (string, error) {
	out := tmpl
	for name, value := range params {
		out = strings.ReplaceAll(out, "{"+name+"}", value)
	}
	if rest := placeholdersIn(out); len(rest) > 0 {
		return "", fmt.Errorf("unresolved placeholders %v in %q", rest, tmpl)
	}
	return out, nil
}

func knownOperation(op Operation) bool {
	for _, known := range Operations() {
		if op == known {
			return true
		}
	}
	return false
}

// paramsFor lists the call parameters each operation makes available for
// template substitution.
func paramsFor(op Operation) map[string]struct{} {
	common := []string{"api_key"}
	var extra []string
	switch op {
	case OpGetNumber:
		extra = []string{"country", "service", "operator", "max_price"}
	case OpCancelNumber, OpGetStatus:
		extra = []string{"id"}
	case OpGetPrices, OpGetServices:
		extra = []string{"country", "service"}
	case OpGetCountries, OpGetBalance:
	}

	set := make(map[string]struct{}, len(common)+len(extra))
	for _, p := range common {
		set[p] = struct{}{}
	}
	for _, p := range extra {
		set[p] = struct{}{}
	}
	return set
}
