package extract

import "github.com/corralhq/corral/pkg/contracts"

// Prompt templates per feedlot family. The extractor treats these as opaque
// strings; the core only selects them.

const bovinaStatementPrompt = `Extract the feedlot statement of notes into JSON.
Capture: feedlot name and state, owner name and number, remit-to state,
billing period start and end (YYYY-MM-DD), every lot reference with its
invoice number, lot number and statement charge, all transaction rows, and
every labelled summary total (including TOTAL OF NOTES and TOTAL NEW CHARGES).
All amounts are decimal strings. Omit fields that are not printed.`

const bovinaInvoicePrompt = `Extract the feed invoice on this page into JSON.
Capture: invoice number, invoice date (YYYY-MM-DD), feedlot name and state,
owner name and number, remit-to state, lot number, every charge line with
description, quantity, rate and total, and the totals block (total amount due
and total period charges when printed). All amounts are decimal strings.
Never compute a value that is not printed.`

const mesquiteStatementPrompt = `Extract the statement of account into JSON.
Capture: feedlot name and state, owner name and number, remit-to state,
billing period start and end (YYYY-MM-DD), every lot reference with its
invoice number, lot number and statement charge, all transaction rows, and
every labelled summary total (including TOTAL CURRENT CHARGES). All amounts
are decimal strings. Omit fields that are not printed.`

const mesquiteInvoicePrompt = `Extract the invoice on this page into JSON.
Capture: invoice number, invoice date (YYYY-MM-DD), feedlot name and state,
owner name and number, remit-to state, lot number, every charge line with
description, quantity, rate and total, and the totals block (total amount due
and total period charges when printed). All amounts are decimal strings.
Never compute a value that is not printed.`

// StatementPrompt selects the family's statement extraction prompt.
func StatementPrompt(family contracts.FeedlotFamily) string {
	if family == contracts.FamilyMesquite {
		return mesquiteStatementPrompt
	}
	return bovinaStatementPrompt
}

// InvoicePrompt selects the family's invoice extraction prompt.
func InvoicePrompt(family contracts.FeedlotFamily) string {
	if family == contracts.FamilyMesquite {
		return mesquiteInvoicePrompt
	}
	return bovinaInvoicePrompt
}
