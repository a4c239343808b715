package scanning

// classifyPrompt asks for a rechnung/kundenbeleg verdict with per-type probabilities
const classifyPrompt = `Du bist ein Experte für die Klassifizierung von Belegen aus der Gastronomie.

Eine Rechnung enthält typischerweise:
- Restaurantname und Adresse
- Datum
- Positionen mit Preisen
- Gesamtbetrag
- Mehrwertsteuer (MwSt., USt.) und Nettobetrag

Ein Kundenbeleg (Kreditkartenbeleg, Kartenzahlung) enthält typischerweise:
- Kartennummer (teilweise maskiert)
- Datum und Uhrzeit
- einen einzelnen gezahlten Betrag
- Transaktions- oder Terminalnummer
- Händlername

Bestimme anhand des Bildes, um welchen Belegtyp es sich handelt.

Antworte NUR mit einem JSON-Objekt in genau diesem Format:
{
  "type": "rechnung" | "kundenbeleg" | "unbekannt",
  "confidence": 0-1,
  "reason": "Kurze Begründung",
  "details": {
    "rechnungProbability": 0-1,
    "kundenbelegProbability": 0-1
  }
}

Kein Text vor oder nach dem JSON, keine Markdown-Codeblöcke.`

// extractionSchema is shared by all extraction prompts
const extractionSchema = `Antworte NUR mit einem JSON-Objekt in genau diesem Format:
{
  "belegTyp": "rechnung" | "kundenbeleg" | "unbekannt",
  "restaurantName": "Name des Restaurants oder null",
  "restaurantAnschrift": "Vollständige Anschrift oder null",
  "datum": "DD.MM.YYYY oder null",
  "gesamtbetrag": "Bruttobetrag, z.B. \"51,90\", oder null",
  "netto": "Nettobetrag oder null",
  "mwst": "Summe der MwSt. oder null",
  "mwstAufteilung": [
    {"satz": "7 oder 19", "netto": "Nettobetrag zu diesem Satz oder null", "betrag": "MwSt. zu diesem Satz"}
  ],
  "kreditkartenBetrag": "gezahlter Betrag auf dem Kartenbeleg oder null",
  "anlass": "Anlass, falls auf dem Beleg vermerkt, sonst null",
  "teilnehmer": ["Namen, falls auf dem Beleg vermerkt"]
}

Wichtige Hinweise:
- Alle Beträge als Zeichenkette mit zwei Nachkommastellen und Komma als Dezimaltrennzeichen
- Felder, die nicht auf dem Beleg stehen, sind null, niemals "" oder "0,00"
- Wenn nur zwei der drei Beträge (Brutto, MwSt., Netto) gefunden werden, ist das dritte null
- Achte auf Schreibweisen wie "MwSt.", "MwSt", "USt.", "Summe", "Total", "Gesamt"
- Kein Text vor oder nach dem JSON, keine Markdown-Codeblöcke`

const invoiceExtractionPrompt = `Analysiere die Restaurantrechnung und extrahiere Restaurantname, Anschrift, Datum, Gesamtbetrag (Brutto), Nettobetrag und die MwSt. je Steuersatz.

` + extractionSchema

const paymentSlipExtractionPrompt = `Analysiere den Kreditkartenbeleg (Kundenbeleg) und extrahiere den tatsächlich gezahlten Betrag als "kreditkartenBetrag" sowie Händlername und Datum. Ein Kartenbeleg enthält meist keine MwSt.-Angaben; lass diese Felder dann null.

` + extractionSchema

const unknownExtractionPrompt = `Analysiere den Beleg. Bestimme zuerst, ob es eine Restaurantrechnung ("rechnung") oder ein Kreditkartenbeleg ("kundenbeleg") ist, und extrahiere dann alle erkennbaren Felder.

` + extractionSchema

// regionPrompt asks for bounding boxes of all receipts visible in one photo
const regionPrompt = `Du bist ein Experte für die Erkennung von Dokumenten in fotografierten oder gescannten Bildern.
Auf dem Bild können mehrere Belege nebeneinander liegen, z.B. eine Rechnung und ein Kreditkartenbeleg.

Gib für jeden erkannten Beleg eine Bounding Box mit relativen Koordinaten (0 bis 1, Ursprung oben links) an.

Antworte NUR mit einem JSON-Objekt in genau diesem Format:
{
  "regions": [
    {"type": "Rechnung" | "Kreditkartenbeleg", "x": 0-1, "y": 0-1, "width": 0-1, "height": 0-1, "confidence": 0-1}
  ]
}

Kein Text vor oder nach dem JSON, keine Markdown-Codeblöcke.`

func extractionPrompt(t DocumentType) string {
	switch t {
	case Invoice:
		return invoiceExtractionPrompt
	case PaymentSlip:
		return paymentSlipExtractionPrompt
	default:
		return unknownExtractionPrompt
	}
}
