package didcomm

import "errors"

const (
	CodeRequestAlreadyPending             = "request-already-pending"
	CodeUnexpectedMediationGrant          = "unexpected-mediation-grant"
	CodeExternalMediationNotEstablished   = "external-mediation-not-established"
	CodeAgentConnectionNotEstablished     = "agent-connection-not-established"
	CodeMediatorConnectionNotEstablished  = "mediator-connection-not-established"
	CodeForwardFromUnauthorizedConnection = "forward-from-unauthorized-connection"
	CodeConnectionAbandoned               = "connection-abandoned"
	CodeMessageNotHandled                 = "message-not-handled"
)

type ProblemDescription struct {
	Code string `json:"code"`
	En   string `json:"en,omitempty"`
}

type ProblemReport struct {
	Header
	Description ProblemDescription `json:"description"`
}

func NewProblemReport(parent *Header, code, message string) ProblemReport {
	report := ProblemReport{
		Header:      NewHeader(TypeProblemReport),
		Description: ProblemDescription{Code: code, En: message},
	}
	if parent != nil {
		report.ReplyTo(*parent)
	}
	return report
}

// ReportableError is an error that is answered with a problem report.
type ReportableError struct {
	Code    string
	Message string
	Err     error
}

func NewReportable(code, message string, err error) *ReportableError {
	return &ReportableError{Code: code, Message: message, Err: err}
}

func (e *ReportableError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *ReportableError) Unwrap() error {
	return e.Err
}

// AsReportable extracts the problem code carried by err, if any.
func AsReportable(err error) (*ReportableError, bool) {
	var reportable *ReportableError
	if errors.As(err, &reportable) {
		return reportable, true
	}
	return nil, false
}
