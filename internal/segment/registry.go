package segment

// AttrRef describes how a resolved attribute is stored: a real column on
// the subscribers table for built-ins, or a key in the attributes JSONB
// blob for merchant-defined attributes.
type AttrRef struct {
	Name   string
	Type   AttrType
	Column string // built-ins only
	Array  bool   // text[] columns (tags)
	Custom bool   // JSONB attribute
}

// builtinFields is the fixed namespace of subscriber columns that every
// merchant can target without declaring anything.
var builtinFields = map[string]AttrRef{
	"email":            {Name: "email", Type: AttrEmail, Column: "email"},
	"status":           {Name: "status", Type: AttrCategory, Column: "status"},
	"channel":          {Name: "channel", Type: AttrCategory, Column: "channel"},
	"device_type":      {Name: "device_type", Type: AttrCategory, Column: "device_type"},
	"source":           {Name: "source", Type: AttrCategory, Column: "source"},
	"location_country": {Name: "location_country", Type: AttrCategory, Column: "location_country"},
	"tags":             {Name: "tags", Type: AttrMultipleChoice, Column: "tags", Array: true},
	"total_spend":      {Name: "total_spend", Type: AttrNumber, Column: "total_spend"},
	"order_count":      {Name: "order_count", Type: AttrNumber, Column: "order_count"},
	"last_active_at":   {Name: "last_active_at", Type: AttrDate, Column: "last_active_at"},
}

var validAttrTypes = map[AttrType]bool{
	AttrText: true, AttrNumber: true, AttrBoolean: true, AttrDate: true,
	AttrCategory: true, AttrMultipleChoice: true, AttrEmail: true, AttrURL: true,
}

// Registry resolves attribute names against the built-in namespace and a
// merchant's declared custom attributes. It is loaded once per compile so
// attribute resolution failures surface at compile time, not mid-query.
type Registry struct {
	custom map[string]AttrType
}

// NewRegistry builds a registry from the merchant's custom attribute
// types, keyed by attribute name. Rows with an unrecognized type are
// dropped; a condition referencing one then fails as unknown rather than
// compiling into a bad cast.
func NewRegistry(customTypes map[string]string) *Registry {
	custom := make(map[string]AttrType, len(customTypes))
	for name, typ := range customTypes {
		t := AttrType(typ)
		if validAttrTypes[t] {
			custom[name] = t
		}
	}
	return &Registry{custom: custom}
}

// Lookup resolves an attribute name. Built-ins shadow custom attributes
// of the same name.
func (r *Registry) Lookup(name string) (AttrRef, bool) {
	if ref, ok := builtinFields[name]; ok {
		return ref, true
	}
	if r != nil {
		if typ, ok := r.custom[name]; ok {
			return AttrRef{Name: name, Type: typ, Custom: true}, true
		}
	}
	return AttrRef{}, false
}
