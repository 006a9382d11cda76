package lifecycle

// Stage is the participant's position in a channel's life.
type Stage int

const (
	WaitForChannel Stage = iota
	WaitForPreFundSetup
	WaitForFundingAndPostFundSetup
	WaitForFundingConfirmation
	AWaitForPostFundSetup
	BWaitForPostFundSetup
	AcknowledgeFundingSuccess
	AcknowledgeFundingDeclined
	FundingAbandoned
	WaitForUpdate
	ApproveConclude
	AcknowledgeConclude
	WaitForOpponentConclude
	ApproveCloseOnChain
	WaitForCloseInitiation
	WaitForCloseSubmission
	WaitForCloseConfirmed
	CloseTransactionFailed
	AcknowledgeCloseSuccess
	ClosedOnChain
	Challenging
	Responding
	ApproveWithdrawal
)

var stageNames = map[Stage]string{
	WaitForChannel:                 "WaitForChannel",
	WaitForPreFundSetup:            "WaitForPreFundSetup",
	WaitForFundingAndPostFundSetup: "WaitForFundingAndPostFundSetup",
	WaitForFundingConfirmation:     "WaitForFundingConfirmation",
	AWaitForPostFundSetup:          "AWaitForPostFundSetup",
	BWaitForPostFundSetup:          "BWaitForPostFundSetup",
	AcknowledgeFundingSuccess:      "AcknowledgeFundingSuccess",
	AcknowledgeFundingDeclined:     "AcknowledgeFundingDeclined",
	FundingAbandoned:               "FundingAbandoned",
	WaitForUpdate:                  "WaitForUpdate",
	ApproveConclude:                "ApproveConclude",
	AcknowledgeConclude:            "AcknowledgeConclude",
	WaitForOpponentConclude:        "WaitForOpponentConclude",
	ApproveCloseOnChain:            "ApproveCloseOnChain",
	WaitForCloseInitiation:         "WaitForCloseInitiation",
	WaitForCloseSubmission:         "WaitForCloseSubmission",
	WaitForCloseConfirmed:          "WaitForCloseConfirmed",
	CloseTransactionFailed:         "CloseTransactionFailed",
	AcknowledgeCloseSuccess:        "AcknowledgeCloseSuccess",
	ClosedOnChain:                  "ClosedOnChain",
	Challenging:                    "Challenging",
	Responding:                     "Responding",
	ApproveWithdrawal:              "ApproveWithdrawal",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "Unknown"
}

// Terminal reports whether no further action is accepted.
func (s Stage) Terminal() bool {
	return s == ClosedOnChain || s == FundingAbandoned
}

func (s Stage) funding() bool {
	switch s {
	case WaitForFundingAndPostFundSetup, WaitForFundingConfirmation, AWaitForPostFundSetup, BWaitForPostFundSetup:
		return true
	}
	return false
}

func (s Stage) closing() bool {
	return s >= WaitForCloseInitiation && s <= CloseTransactionFailed
}
