package chain

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	lerrors "ledgerbridge/core/errors"
)

// Contract pairs the deployed contract address with its ABI.
type Contract struct {
	ABI     abi.ABI
	Address common.Address
}

// ParseContract reads a JSON ABI definition.
func ParseContract(r io.Reader, address common.Address) (*Contract, error) {
	parsed, err := abi.JSON(r)
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	return &Contract{ABI: parsed, Address: address}, nil
}

// LoadContract reads the ABI file at path and binds it to address.
func LoadContract(path, address string) (*Contract, error) {
	trimmed := strings.TrimSpace(address)
	if !common.IsHexAddress(trimmed) {
		return nil, fmt.Errorf("invalid contract address %q", address)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read abi: %w", err)
	}
	return ParseContract(bytes.NewReader(raw), common.HexToAddress(trimmed))
}

// Method returns the declared method or an UnknownFunction error.
func (c *Contract) Method(name string) (abi.Method, error) {
	method, ok := c.ABI.Methods[name]
	if !ok {
		return abi.Method{}, lerrors.New(lerrors.KindUnknownFunction, "function %q is not declared by the contract", name)
	}
	return method, nil
}

// MethodForInput identifies the method encoded in transaction input data.
func (c *Contract) MethodForInput(data []byte) (abi.Method, error) {
	if len(data) < 4 {
		return abi.Method{}, lerrors.New(lerrors.KindUnknownFunction, "transaction input carries no selector")
	}
	method, err := c.ABI.MethodById(data[:4])
	if err != nil {
		return abi.Method{}, lerrors.New(lerrors.KindUnknownFunction, "selector %x is not declared by the contract", data[:4])
	}
	return *method, nil
}
