package topology

import "fmt"

// NumEmbeddingTypes bounds the embedding ids below; id 0 is unused.
const NumEmbeddingTypes = 45

var embeddingIDs = map[string]map[string]int{
	"CA": {
		"ALA": 1, "GLY": 2, "PHE": 3, "TYR": 4, "ASP": 5, "GLU": 6, "TRP": 7, "PRO": 8,
		"ASN": 9, "GLN": 10, "HIS": 11, "HSD": 11, "HSE": 11, "SER": 12, "THR": 13,
		"VAL": 14, "MET": 15, "CYS": 16, "NLE": 17, "ARG": 18, "LYS": 19, "LEU": 20,
		"ILE": 21,
	},
	"CB": {
		"ALA": 22, "GLY": 23, "PHE": 24, "TYR": 25, "ASP": 26, "GLU": 27, "TRP": 28, "PRO": 29,
		"ASN": 30, "GLN": 31, "HIS": 32, "HSD": 33, "HSE": 34, "SER": 35, "THR": 36,
		"VAL": 37, "MET": 38, "CYS": 39, "NLE": 40, "ARG": 41, "LYS": 42, "LEU": 43,
		"ILE": 44,
	},
}

// EmbeddingID maps a bead name and residue to its atom-type embedding id.
func EmbeddingID(bead, residue string) (int, error) {
	byResidue, ok := embeddingIDs[bead]
	if !ok {
		return 0, fmt.Errorf("%w: bead %s", ErrUnknownResidue, bead)
	}
	id, ok := byResidue[residue]
	if !ok {
		return 0, fmt.Errorf("%w: %s %s", ErrUnknownResidue, bead, residue)
	}
	return id, nil
}

// AtomType is the force-field key of a bead, e.g. CA_ALA.
func AtomType(bead, residue string) string {
	return bead + "_" + residue
}
