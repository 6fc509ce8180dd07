package attestation

import (
	"bytes"
	"encoding/hex"
	"fmt"

	tdx_abi "github.com/google/go-tdx-guest/abi"
	tdx_pb "github.com/google/go-tdx-guest/proto/tdx"
	"github.com/google/go-tdx-guest/verify"
)

// Measurements maps register index to hex value: 0 is MRTD, 1-4 are
// RTMR0-3, then MRCONFIGID, MROWNER and MROWNERCONFIG.
type Measurements map[int]string

// VerifyDCAPQuote checks a TDX quote against Intel collateral and returns
// its measurements if the quote carries reportData.
func VerifyDCAPQuote(reportData [64]byte, quote []byte) (Measurements, error) {
	protoQuote, err := tdx_abi.QuoteToProto(quote)
	if err != nil {
		return nil, fmt.Errorf("could not parse quote: %w", err)
	}

	v4Quote, ok := protoQuote.(*tdx_pb.QuoteV4)
	if !ok {
		return nil, fmt.Errorf("unsupported quote type: %T", protoQuote)
	}

	if err := verify.TdxQuote(protoQuote, verify.DefaultOptions()); err != nil {
		return nil, fmt.Errorf("quote verification failed: %w", err)
	}

	body := v4Quote.GetTdQuoteBody()
	if !bytes.Equal(body.GetReportData(), reportData[:]) {
		return nil, fmt.Errorf("invalid report data %x, expected %x", body.GetReportData(), reportData[:])
	}

	rtmrs := body.GetRtmrs()
	if len(rtmrs) != 4 {
		return nil, fmt.Errorf("quote has %d rtmrs", len(rtmrs))
	}

	return Measurements{
		0: hex.EncodeToString(body.GetMrTd()),
		1: hex.EncodeToString(rtmrs[0]),
		2: hex.EncodeToString(rtmrs[1]),
		3: hex.EncodeToString(rtmrs[2]),
		4: hex.EncodeToString(rtmrs[3]),
		5: hex.EncodeToString(body.GetMrConfigId()),
		6: hex.EncodeToString(body.GetMrOwner()),
		7: hex.EncodeToString(body.GetMrOwnerConfig()),
	}, nil
}
