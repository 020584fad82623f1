package txbuild

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ErrUnknownApprovalMethod is returned for api-approval methods the
// oracle has no verification script for.
var ErrUnknownApprovalMethod = errors.New("txbuild: unknown api approval method")

// Api approval methods supported by the Chainlink Functions oracle.
const (
	ApprovalMethodTweetRepost   = "tweet_repost"
	ApprovalMethodCrosschainNFT = "crosschain_nft"
)

// ApiApprovalArgs builds the oracle argument list for an api-approval
// method. Argument order must match what the verification script reads.
func ApiApprovalArgs(method string, params map[string]string) ([]string, error) {
	switch method {
	case ApprovalMethodTweetRepost:
		username := strings.TrimSpace(params["username"])
		username = strings.TrimPrefix(username, "@")
		return []string{params["tweet_id"], username}, nil
	case ApprovalMethodCrosschainNFT:
		return []string{
			params["rpc_url"],
			params["nft_contract"],
			params["token_id"],
			params["expected_owner"],
		}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownApprovalMethod, method)
	}
}

// DonIDBytes converts a DON identifier to its bytes32 form. Accepts
// either 0x-prefixed hex or the plain DON name ("fun-arbitrum-sepolia-1"),
// which is right-padded with zeros the way Chainlink encodes it.
func DonIDBytes(s string) ([32]byte, error) {
	var out [32]byte
	if strings.HasPrefix(s, "0x") {
		decoded, err := hexutil.Decode(s)
		if err != nil {
			return out, fmt.Errorf("decode don id: %w", err)
		}
		if len(decoded) > 32 {
			return out, fmt.Errorf("don id %q exceeds 32 bytes", s)
		}
		copy(out[:], decoded)
		return out, nil
	}
	if len(s) > 32 {
		return out, fmt.Errorf("don id %q exceeds 32 bytes", s)
	}
	copy(out[:], s)
	return out, nil
}

// apiApprovalTuple mirrors the contract's ApiApprovalData struct.
type apiApprovalTuple struct {
	Source               string
	EncryptedSecretsUrls []byte
	Args                 []string
	BytesArgs            [][]byte
	RequestId            [32]byte
}

// onchainApprovalTuple mirrors the contract's OnchainApprovalData struct.
type onchainApprovalTuple struct {
	Destination    common.Address
	Data           []byte
	ExpectedResult []byte
}

// EncodeApiApprovalExtraData ABI-encodes the fill extra data for an
// api-approval listing. requestId is always zero at fill time; the
// contract assigns it when the oracle request is made.
func EncodeApiApprovalExtraData(source string, encryptedSecretsUrls []byte, args []string) ([]byte, error) {
	tupleTy, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "source", Type: "string"},
		{Name: "encryptedSecretsUrls", Type: "bytes"},
		{Name: "args", Type: "string[]"},
		{Name: "bytesArgs", Type: "bytes[]"},
		{Name: "requestId", Type: "bytes32"},
	})
	if err != nil {
		return nil, fmt.Errorf("build api approval type: %w", err)
	}

	if encryptedSecretsUrls == nil {
		encryptedSecretsUrls = []byte{}
	}

	packed, err := abi.Arguments{{Type: tupleTy}}.Pack(apiApprovalTuple{
		Source:               source,
		EncryptedSecretsUrls: encryptedSecretsUrls,
		Args:                 args,
		BytesArgs:            [][]byte{},
	})
	if err != nil {
		return nil, fmt.Errorf("encode api approval extra data: %w", err)
	}
	return packed, nil
}

// EncodeOnchainApprovalExtraData ABI-encodes the fill extra data for an
// onchain-approval listing: a static call spec plus its expected result.
func EncodeOnchainApprovalExtraData(destination common.Address, data, expectedResult []byte) ([]byte, error) {
	tupleTy, err := abi.NewType("tuple", "", []abi.ArgumentMarshaling{
		{Name: "destination", Type: "address"},
		{Name: "data", Type: "bytes"},
		{Name: "expectedResult", Type: "bytes"},
	})
	if err != nil {
		return nil, fmt.Errorf("build onchain approval type: %w", err)
	}

	packed, err := abi.Arguments{{Type: tupleTy}}.Pack(onchainApprovalTuple{
		Destination:    destination,
		Data:           data,
		ExpectedResult: expectedResult,
	})
	if err != nil {
		return nil, fmt.Errorf("encode onchain approval extra data: %w", err)
	}
	return packed, nil
}
