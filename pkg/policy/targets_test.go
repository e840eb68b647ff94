package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractWriteTargets(t *testing.T) {
	code := `
import pandas as pd
df = pd.read_excel('uploads/in.xlsx')
df.to_excel('outputs/out.xlsx')
df.to_csv("outputs/out.csv")
df.to_excel('outputs/out.xlsx')  # duplicate
wb.save('outputs/book.xlsx')
with open('outputs/notes.txt', 'w') as f:
    f.write('hi')
log = open('outputs/readme.txt', 'r').read()
`
	got := ExtractWriteTargets(code)
	assert.Contains(t, got, "outputs/out.xlsx")
	assert.Contains(t, got, "outputs/out.csv")
	assert.Contains(t, got, "outputs/book.xlsx")
	assert.Contains(t, got, "outputs/notes.txt")
	assert.NotContains(t, got, "uploads/in.xlsx", "reads are not write targets")
	assert.NotContains(t, got, "outputs/readme.txt", "read-mode open is not a write")

	// Duplicates collapse.
	count := 0
	for _, p := range got {
		if p == "outputs/out.xlsx" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestExtractWriteTargetsDynamicPathsIgnored(t *testing.T) {
	assert.Empty(t, ExtractWriteTargets("df.to_excel(path_variable)"))
}
