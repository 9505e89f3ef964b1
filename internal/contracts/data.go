package contracts

// SeverityLevel is the severity of a trace or exception.
type SeverityLevel string

const (
	Verbose     SeverityLevel = "Verbose"
	Information SeverityLevel = "Information"
	Warning     SeverityLevel = "Warning"
	Error       SeverityLevel = "Error"
	Critical    SeverityLevel = "Critical"
)

// DataPointType tells whether a metric data point is a single measurement
// or a pre-aggregated value.
type DataPointType string

const (
	Measurement DataPointType = "Measurement"
	Aggregation DataPointType = "Aggregation"
)

type EventData struct {
	Ver          int                `json:"ver"`
	Name         string             `json:"name"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

type MessageData struct {
	Ver           int                `json:"ver"`
	Message       string             `json:"message"`
	SeverityLevel SeverityLevel      `json:"severityLevel,omitempty"`
	Properties    map[string]string  `json:"properties,omitempty"`
	Measurements  map[string]float64 `json:"measurements,omitempty"`
}

type DataPoint struct {
	Ns     string        `json:"ns,omitempty"`
	Name   string        `json:"name"`
	Kind   DataPointType `json:"kind,omitempty"`
	Value  float64       `json:"value"`
	Count  *int          `json:"count,omitempty"`
	Min    *float64      `json:"min,omitempty"`
	Max    *float64      `json:"max,omitempty"`
	StdDev *float64      `json:"stdDev,omitempty"`
}

type MetricData struct {
	Ver        int               `json:"ver"`
	Metrics    []DataPoint       `json:"metrics"`
	Properties map[string]string `json:"properties,omitempty"`
}

type RequestData struct {
	Ver          int                `json:"ver"`
	ID           string             `json:"id"`
	Source       string             `json:"source,omitempty"`
	Name         string             `json:"name,omitempty"`
	Duration     string             `json:"duration"`
	ResponseCode string             `json:"responseCode"`
	Success      bool               `json:"success"`
	URL          string             `json:"url,omitempty"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

type RemoteDependencyData struct {
	Ver          int                `json:"ver"`
	Name         string             `json:"name"`
	ID           string             `json:"id,omitempty"`
	ResultCode   string             `json:"resultCode,omitempty"`
	Duration     string             `json:"duration"`
	Success      bool               `json:"success"`
	Data         string             `json:"data,omitempty"`
	Target       string             `json:"target,omitempty"`
	Type         string             `json:"type,omitempty"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

type AvailabilityData struct {
	Ver          int                `json:"ver"`
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Duration     string             `json:"duration"`
	Success      bool               `json:"success"`
	RunLocation  string             `json:"runLocation,omitempty"`
	Message      string             `json:"message,omitempty"`
	Properties   map[string]string  `json:"properties,omitempty"`
	Measurements map[string]float64 `json:"measurements,omitempty"`
}

type StackFrame struct {
	Level    int    `json:"level"`
	Method   string `json:"method"`
	Assembly string `json:"assembly,omitempty"`
	FileName string `json:"fileName,omitempty"`
	Line     int    `json:"line,omitempty"`
}

type ExceptionDetails struct {
	ID           int          `json:"id,omitempty"`
	OuterID      int          `json:"outerId,omitempty"`
	TypeName     string       `json:"typeName"`
	Message      string       `json:"message"`
	HasFullStack bool         `json:"hasFullStack"`
	Stack        string       `json:"stack,omitempty"`
	ParsedStack  []StackFrame `json:"parsedStack,omitempty"`
}

type ExceptionData struct {
	Ver           int                `json:"ver"`
	Exceptions    []ExceptionDetails `json:"exceptions"`
	SeverityLevel SeverityLevel      `json:"severityLevel,omitempty"`
	ProblemID     string             `json:"problemId,omitempty"`
	Properties    map[string]string  `json:"properties,omitempty"`
	Measurements  map[string]float64 `json:"measurements,omitempty"`
}
