package strategy

// noInformationAnswer is returned when retrieval finds nothing usable.
const noInformationAnswer = "I could not find relevant information in the indexed documents to answer this question."

// groundedAnswerSystem enforces citation discipline for single-shot answers.
const groundedAnswerSystem = `You answer questions about a document corpus.
Use ONLY the numbered context passages provided. After each claim, cite the supporting passages with bracketed numbers, for example [1] or [2][3].
If the passages do not contain the answer, say so plainly instead of guessing.`

// sectionedAnswerSystem is the self-assessing variant used by the iterative
// strategy; the confidence line drives its stopping rule.
const sectionedAnswerSystem = `You answer questions about a document corpus and assess your own answer.
Use ONLY the numbered context passages provided, citing them with bracketed numbers like [1].
Respond in exactly this format:
**Answer:** <the answer, with citations>
**Confidence:** <a number between 0 and 1 reflecting how well the passages support the answer>
**Reasoning:** <one short paragraph on what the evidence covers and what is missing>`

// reflectionSystem asks for the follow-up query that drives the next
// iteration.
const reflectionSystem = `You review a draft answer and identify what is missing.
Respond with a JSON object and nothing else:
{"missing_info": "<what the draft could not establish>", "follow_up_query": "<one focused search query to find it>"}`

// graphAnswerSystem grounds answers in the serialized subgraph plus any
// supplementary passages.
const graphAnswerSystem = `You answer questions about the people and entities in a document corpus.
Ground every statement in the provided entity and relationship lines; treat relationship confidence values as the strength of the evidence.
When supplementary numbered passages are provided, cite them with bracketed numbers like [1].
If neither the graph nor the passages support an answer, say so plainly.`

// tableIntentSystem extracts what a tabular question is asking for.
const tableIntentSystem = `You classify questions about tabular data.
Respond with a JSON object and nothing else:
{"query_type": "aggregation|comparison|list", "entities_to_extract": ["..."], "attributes": ["..."]}
query_type is aggregation for sums/averages/counts, comparison for differences between rows, list for enumerations.`

// tableStructuringSystem turns retrieved passages into one coherent table.
const tableStructuringSystem = `You reconstruct tabular data from text passages.
Respond with a JSON object and nothing else:
{"headers": ["..."], "rows": [["..."]], "summary": "<one sentence describing the table>"}
Use only values present in the passages. Keep rows aligned with headers.`

// tableAnswerSystem generates the final answer over the structured table.
const tableAnswerSystem = `You answer questions using the structured table provided.
Quote numbers exactly as they appear in the table; never recompute or round them.
Cite the numbered source passages with bracketed numbers like [1] where they support a value.
If the table does not contain the answer, say so plainly.`
