package protocol

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeProof(t *testing.T) {
	txid := "0x" + strings.Repeat("0f", 32)

	tests := []struct {
		name string
		in   string
		want ProofKind
	}{
		{"canonical tx id", txid, ProofTxReference},
		{"uppercase hex", "0x" + strings.Repeat("AB", 32), ProofTxReference},
		{"signed blob", "808000000004001dabcdef", ProofSignedPayload},
		{"short hex is a blob", "0x1234", ProofSignedPayload},
		{"tx id with trailing junk", txid + "zz", ProofSignedPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proof, err := NormalizeProof(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, proof.Kind)
			if tt.want == ProofTxReference {
				assert.Equal(t, tt.in, proof.TxReference)
				assert.Empty(t, proof.Blob)
			} else {
				assert.Equal(t, tt.in, proof.Blob)
				assert.Empty(t, proof.TxReference)
			}
		})
	}
}

func TestNormalizeProof_Empty(t *testing.T) {
	_, err := NormalizeProof("")
	assert.Error(t, err)
}
