package viewer

import (
	"context"
	"fmt"
	"math/big"
	"strings"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
)

const viewerABI = `[
{
    "inputs": [
        {
            "internalType": "address[]",
            "name": "pairs",
            "type": "address[]"
        }
    ],
    "name": "viewPair",
    "outputs": [
        {
            "internalType": "uint112[]",
            "name": "",
            "type": "uint112[]"
        }
    ],
    "stateMutability": "view",
    "type": "function"
}
]`

// IClient reads current reserves for a batch of pairs in a single call. The
// aggregator contract returns a flat [r0_0, r0_1, r1_0, r1_1, ...] sequence.
type IClient interface {
	ViewPair(ctx context.Context, pairs []common.Address) ([]*big.Int, error)
}

type Client struct {
	c    *ethclient.Client
	addr common.Address
	abi  abi.ABI
}

func New(c *ethclient.Client, viewerAddr common.Address) (IClient, error) {
	parsedABI, err := abi.JSON(strings.NewReader(viewerABI))
	if err != nil {
		return nil, fmt.Errorf("bad abi: %w", err)
	}
	return &Client{c: c, addr: viewerAddr, abi: parsedABI}, nil
}

func (c *Client) ViewPair(ctx context.Context, pairs []common.Address) ([]*big.Int, error) {
	payload, err := c.abi.Pack("viewPair", pairs)
	if err != nil {
		return nil, fmt.Errorf("pack viewPair: %w", err)
	}

	res, err := c.c.CallContract(ctx, ethereum.CallMsg{To: &c.addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("call viewPair: %w", err)
	}

	outs, err := c.abi.Methods["viewPair"].Outputs.Unpack(res)
	if err != nil || len(outs) == 0 {
		return nil, fmt.Errorf("unpack viewPair: %w", err)
	}
	reserves, ok := outs[0].([]*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected viewPair output type")
	}
	if len(reserves) != 2*len(pairs) {
		return nil, fmt.Errorf("viewPair: got %d reserves for %d pairs", len(reserves), len(pairs))
	}
	return reserves, nil
}
