package tiktoken

// ModelData is the contents of a tiktoken tokenizer model file. MergeableRanks
// maps each mergeable byte sequence to its BPE rank, lower ranks merge first.
// SpecialTokens are appended after the mergeable pieces in id order.
//
// The sentinel ids are not part of the file format, the loader fills them in
// from the special token names it knows.
type ModelData struct {
	MergeableRanks map[string]int
	SpecialTokens  map[string]int

	BeginOfSentenceId int
	EndOfSentenceId   int
	UnknownId         int
	PadId             int
	StopTokenIds      []int
}
