package x402

// invalidReason values returned by /verify. Clients branch on these; never
// change an existing string.
const (
	ReasonUnsupportedVersion   = "unsupported_x402_version"
	ReasonMissingAccepted      = "missing_accepted_requirements"
	ReasonSchemeMismatch       = "scheme_mismatch"
	ReasonNetworkMismatch      = "network_mismatch"
	ReasonAssetMismatch        = "asset_mismatch"
	ReasonRecipientMismatch    = "recipient_mismatch"
	ReasonAmountMismatch       = "amount_mismatch"
	ReasonUnsupportedScheme    = "unsupported_scheme"
	ReasonUnsupportedNetwork   = "unsupported_network"
	ReasonMissingAuthorization = "missing_authorization"
	ReasonInvalidPayload       = "invalid_payload"
	ReasonMissingSplitFields   = "missing_splitter_fields"
	ReasonSplitterUnavailable  = "splitter_not_configured"

	ReasonPayloadRecipientMismatch = "invalid_exact_evm_payload_recipient_mismatch"
	ReasonPayloadValue             = "invalid_exact_evm_payload_authorization_value"
	ReasonPayloadSignature         = "invalid_exact_evm_payload_signature"
	ReasonPayloadValidAfter        = "invalid_exact_evm_payload_authorization_valid_after"
	ReasonPayloadValidBefore       = "invalid_exact_evm_payload_authorization_valid_before"
	ReasonPayloadNonceUsed         = "invalid_exact_evm_payload_nonce_used"
	ReasonPayloadInsufficientFunds = "invalid_exact_evm_payload_insufficient_balance"
	ReasonPermit2InvalidSpender    = "invalid_permit2_spender"
	ReasonPermit2TokenMismatch     = "permit2_token_mismatch"
	ReasonPermit2AllowanceRequired = "permit2_allowance_required"

	ReasonPayerNotWhitelisted      = "payer_not_whitelisted"
	ReasonInsufficientFeeAllowance = "insufficient_fee_allowance"
	ReasonUnexpectedVerifyError    = "unexpected_verify_error"
)

// errorReason values returned by /settle.
const (
	ErrorTransactionReverted  = "transaction_reverted"
	ErrorInsufficientFunds    = "insufficient_funds"
	ErrorAuthorizationUsed    = "authorization_already_used"
	ErrorAuthorizationExpired = "authorization_expired"
	ErrorSettlementFailed     = "settlement_failed"
	ErrorSettlementTimeout    = "settlement_timeout"
	ErrorSettlementInProgress = "settlement_in_progress"
	ErrorUnexpectedSettlement = "unexpected_settlement_error"
)

// Fee collection error values carried in SettleResponse.Fee.Error.
const (
	FeeErrorInsufficientAllowance = "insufficient_fee_allowance"
	FeeErrorInsufficientBalance   = "insufficient_merchant_balance"
	FeeErrorCollectionFailed      = "fee_collection_failed"
)
