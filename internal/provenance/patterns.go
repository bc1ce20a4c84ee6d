package provenance

// DefaultCitationPatterns match structured reference markers.
var DefaultCitationPatterns = []string{
	`\[\d+(?:\s*[,–-]\s*\d+)*\]`,
	`\((?:[A-Z][A-Za-z'’-]+(?:\s+(?:and|&)\s+[A-Z][A-Za-z'’-]+|\s+et\s+al\.)?),?\s+\d{4}[a-z]?(?:,\s*pp?\.\s*\d+(?:[–-]\d+)?)?\)`,
	`\b(?:PL|PG)\s+\d{1,3}\s*[:,]\s*(?:col\.\s*)?\d+[A-D]?`,
	`\[Col\.\s*\d+[A-D]?\]`,
	`\b(?:Gen|Exod?|Lev|Num|Deut|Ps|Prov|Eccl|Isa|Jer|Ezek|Dan|Matt?|Mk|Mark|Lk|Luke|Jn|John|Acts|Rom|Cor|Gal|Eph|Phil|Col|Heb|Jas|Pet|Rev)\.?\s+\d{1,3}:\d{1,3}(?:[–-]\d{1,3})?`,
	`(?i)\bdoi:\s*10\.\d{4,9}/[^\s,;]+`,
}

// DefaultFillerPatterns match phrasing characteristic of summaries. They are
// matched case-insensitively.
var DefaultFillerPatterns = []string{
	`\bin summary\b`,
	`\bin conclusion\b`,
	`\bto summarize\b`,
	`\boverall,`,
	`\bin essence\b`,
	`\bit is (?:important|worth) (?:to note|noting)\b`,
	`\bthis (?:text|passage|document|work|chapter|section) (?:discusses|explores|highlights|examines|describes)\b`,
	`\bthe author (?:argues|suggests|emphasi[sz]es|highlights|discusses|explores)\b`,
	`\bplays? an? (?:crucial|vital|key|pivotal|significant) role\b`,
	`\bdelves? into\b`,
	`\ba testament to\b`,
	`\brich tapestry\b`,
	`\b(?:broadly|generally) speaking\b`,
	`\bkey takeaways?\b`,
	`\bprovides? an? (?:overview|insight)\b`,
	`\bsheds? light on\b`,
}

// DefaultGenericPhrases disqualify a candidate phrase as too common to prove extraction.
var DefaultGenericPhrases = []string{
	"in order to",
	"as well as",
	"on the other hand",
	"at the same time",
	"in addition to",
	"as a result",
	"for example",
	"for instance",
	"in other words",
	"the fact that",
	"one of the most",
	"at the end of the day",
	"it is important",
	"in summary",
	"in conclusion",
}

var DefaultStopwords = []string{
	"a", "an", "and", "are", "as", "at", "be", "but", "by", "for", "from", "had", "has", "have",
	"he", "her", "his", "i", "in", "is", "it", "its", "of", "on", "or", "our", "she", "so",
	"that", "the", "their", "them", "then", "there", "these", "they", "this", "those", "to",
	"was", "we", "were", "what", "when", "which", "who", "will", "with", "you", "your",
	"ad", "autem", "cum", "de", "ei", "enim", "est", "et", "ex", "hoc", "in", "nec", "non",
	"per", "qua", "quae", "qui", "quia", "quod", "sed", "sic", "sunt", "ut", "vel",
}
