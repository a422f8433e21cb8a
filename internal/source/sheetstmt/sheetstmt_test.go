package sheetstmt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/rumor-ml/commons.systems/finledger/internal/domain"
	"github.com/rumor-ml/commons.systems/finledger/internal/source"
)

func buildWorkbook(t *testing.T, rows [][]interface{}) source.Payload {
	t.Helper()

	book := excelize.NewFile()
	defer book.Close()

	sheet := book.GetSheetName(0)
	for i, row := range rows {
		for j, value := range row {
			cellName, err := excelize.CoordinatesToCellName(j+1, i+1)
			require.NoError(t, err)
			require.NoError(t, book.SetCellValue(sheet, cellName, value))
		}
	}

	buf, err := book.WriteToBuffer()
	require.NoError(t, err)
	return source.Payload{Name: "export.xlsx", Data: buf.Bytes()}
}

func TestExtractAccounts(t *testing.T) {
	payload := buildWorkbook(t, [][]interface{}{
		{"Account", "55660001", "savings"},
		{"Date", "Description", "Amount", "Balance"},
		{"2025-04-01", "INTEREST", "1.25", "1001.25"},
	})

	accounts, err := New().ExtractAccounts(context.Background(), payload, source.Params{})
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	require.Equal(t, "55660001", accounts[0].ExternalID)
	require.Equal(t, domain.AccountTypeSavings, accounts[0].Type)
}

func TestExtractTransactions(t *testing.T) {
	payload := buildWorkbook(t, [][]interface{}{
		{"Account", "55660001", "savings"},
		{"Date", "Description", "Amount", "Balance"},
		{"2025-04-01", "INTEREST", "1.25", "1001.25"},
		{"2025-04-03", "TRANSFER OUT", "-200.00", "801.25"},
	})

	txns, err := New().ExtractTransactions(context.Background(), "55660001", payload, "acc-sav", "batch-9", source.Params{})
	require.NoError(t, err)
	require.Len(t, txns, 2)

	require.Equal(t, "acc-sav", txns[0].AccountID)
	require.Equal(t, "batch-9", txns[0].ImportBatchID)
	require.Equal(t, "1.25", txns[0].Amount.String())
	require.Equal(t, "INTEREST", txns[0].Merchant)
	require.Equal(t, "1001.25", txns[0].Field("balance"))
	require.Equal(t, "-200", txns[1].Amount.String())
	require.Equal(t, 2, txns[1].Page)
}

func TestExtractTransactions_BadHeader(t *testing.T) {
	payload := buildWorkbook(t, [][]interface{}{
		{"Account", "55660001", "savings"},
		{"When", "Who", "HowMuch"},
		{"2025-04-01", "INTEREST", "1.25"},
	})

	_, err := New().ExtractTransactions(context.Background(), "", payload, "acc", "b", source.Params{})
	require.Error(t, err)
	var parseErr *domain.ParseError
	require.ErrorAs(t, err, &parseErr)
}

func TestExtractTransactions_NotASpreadsheet(t *testing.T) {
	payload := source.Payload{Name: "export.xlsx", Data: []byte("this is not a zip container")}
	_, err := New().ExtractTransactions(context.Background(), "", payload, "acc", "b", source.Params{})
	require.Error(t, err)
	var accessErr *domain.SourceAccessError
	require.ErrorAs(t, err, &accessErr)
}
