package kernels

// AttnParams is the parameter block of the tiled full-attention kernels,
// marshaled by the host at slot 4. Field order is part of the ABI.
//
// Strides are element strides over the (batch, head, sequence) axes; the
// feature axis is required to have stride 1 (matrix-contiguous inputs).
type AttnParams struct {
	B, H, D int32 // batch, query heads, head dim

	QL, KL int32 // query and key sequence lengths

	GQAFactor int32 // query heads per key/value head
	Scale     float32

	NQ, NK int32 // number of query/key tiles

	NQAligned, NKAligned int32 // tiles fully covered by the sequence

	QLRem, KLRem int32 // rows/columns in the last partial tile
	QLOff        int32 // kL - qL, aligns the causal diagonal

	QStrides, KStrides, VStrides, OStrides [3]int64
}

// AttnMaskParams carries the mask strides of the tiled full-attention
// kernels (slot 5). Axes whose logical size is 1 carry stride 0 and
// broadcast.
type AttnMaskParams struct {
	MStrides [3]int64
}

// RoPEParams is the parameter block shared by the rotary-embedding kernels.
//
// Strides are the 3-level generalized element strides over the
// (batch, sequence, feature) axes of the input and output. The single-
// position kernel reads Offset as the fixed position of every row; the
// batched kernel adds the row's sequence index to it.
type RoPEParams struct {
	Offset  int32
	Scale   float32
	LogBase float32 // log2 of the frequency base

	InStrides  [3]int64
	OutStrides [3]int64
}
