package contract

// Kind is the closed enumeration of actions the engine can execute.
type Kind string

const (
	KindNavigate           Kind = "navigate"
	KindClick              Kind = "click"
	KindType               Kind = "type"
	KindSelect             Kind = "select"
	KindExtract            Kind = "extract"
	KindUpload             Kind = "upload"
	KindDownloadTrigger    Kind = "download_trigger"
	KindWaitOnly           Kind = "wait_only"
	KindCustomJSRestricted Kind = "custom_js_restricted"
)

// Kinds lists every supported kind in declaration order.
var Kinds = []Kind{
	KindNavigate,
	KindClick,
	KindType,
	KindSelect,
	KindExtract,
	KindUpload,
	KindDownloadTrigger,
	KindWaitOnly,
	KindCustomJSRestricted,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// HighRisk reports whether k requires approval metadata.
func (k Kind) HighRisk() bool {
	switch k {
	case KindUpload, KindDownloadTrigger, KindCustomJSRestricted:
		return true
	default:
		return false
	}
}

// WorkClass tags queued work for class-weighted scheduling.
type WorkClass string

const (
	ClassLight WorkClass = "light"
	ClassHeavy WorkClass = "heavy"
)

// DefaultClass is the work class used when a contract does not set one.
func (k Kind) DefaultClass() WorkClass {
	switch k {
	case KindNavigate, KindExtract, KindUpload, KindDownloadTrigger:
		return ClassHeavy
	default:
		return ClassLight
	}
}
