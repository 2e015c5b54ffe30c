package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sdkmath "cosmossdk.io/math"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/openyield/yvm/internal/logger"
)

const (
	jsonCodecName = "json"

	hasFeedMethod = "/oracle.v1.Query/HasFeed"
	convertMethod = "/oracle.v1.Query/Convert"

	queryTimeout = 5 * time.Second
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// jsonCodec lets us talk to the price service without generated stubs.
type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                               { return jsonCodecName }

type hasFeedRequest struct {
	Denom string `json:"denom"`
}

type hasFeedResponse struct {
	HasFeed bool `json:"has_feed"`
}

type convertRequest struct {
	FromDenom string `json:"from_denom"`
	Amount    string `json:"amount"`
	ToDenom   string `json:"to_denom"`
}

type convertResponse struct {
	Amount string `json:"amount"`
}

// GRPCOracle is a PriceOracle backed by a remote price service over gRPC.
type GRPCOracle struct {
	conn   *grpc.ClientConn
	logger zerolog.Logger
}

// NewGRPCOracle wraps an established connection to the price service.
func NewGRPCOracle(conn *grpc.ClientConn) (*GRPCOracle, error) {
	if conn == nil {
		return nil, fmt.Errorf("grpc connection cannot be nil")
	}
	return &GRPCOracle{
		conn:   conn,
		logger: logger.GetForComponent("price_oracle"),
	}, nil
}

func (o *GRPCOracle) HasFeed(denom string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	var resp hasFeedResponse
	err := o.conn.Invoke(ctx, hasFeedMethod, &hasFeedRequest{Denom: denom}, &resp,
		grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		o.logger.Error().Err(err).Str("denom", denom).Msg("HasFeed query failed, treating as missing feed")
		return false
	}
	return resp.HasFeed
}

func (o *GRPCOracle) Convert(fromDenom string, amount sdkmath.Int, toDenom string) (sdkmath.Int, error) {
	if amount.IsNil() || amount.IsNegative() {
		return sdkmath.ZeroInt(), ErrInvalidAmount
	}
	if fromDenom == toDenom {
		return amount, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
	defer cancel()

	req := &convertRequest{FromDenom: fromDenom, Amount: amount.String(), ToDenom: toDenom}
	var resp convertResponse
	err := o.conn.Invoke(ctx, convertMethod, req, &resp, grpc.CallContentSubtype(jsonCodecName))
	if err != nil {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: convert %s -> %s: %w", ErrMissingOracle, fromDenom, toDenom, err)
	}

	out, ok := sdkmath.NewIntFromString(resp.Amount)
	if !ok {
		return sdkmath.ZeroInt(), fmt.Errorf("%w: malformed amount %q from price service", ErrMissingOracle, resp.Amount)
	}
	return out, nil
}
