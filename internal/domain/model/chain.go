package model

type Chain string

const (
	ChainEthereum Chain = "ethereum"
	ChainBSC      Chain = "bsc"
	ChainPolygon  Chain = "polygon"
	ChainBase     Chain = "base"
	ChainArbitrum Chain = "arbitrum"
)

func (c Chain) String() string {
	return string(c)
}
